package model

import (
	"time"

	"github.com/google/uuid"
)

// ToolStatus is the processing status persisted on a tool record.
type ToolStatus string

const (
	ToolStatusAvailable   ToolStatus = "available"
	ToolStatusBath1       ToolStatus = "bath1"
	ToolStatusBath2       ToolStatus = "bath2"
	ToolStatusAirDry      ToolStatus = "airDry"
	ToolStatusAutoclave   ToolStatus = "autoclave"
	ToolStatusClean       ToolStatus = "clean"
	ToolStatusFailed      ToolStatus = "failed"
	ToolStatusQuarantined ToolStatus = "quarantined"
)

// ToolStatusForPhase maps a pipeline stage to the tool status recorded
// while the tool sits in it. The terminal marker maps to clean.
func ToolStatusForPhase(id PhaseID) ToolStatus {
	switch id {
	case PhaseBath1:
		return ToolStatusBath1
	case PhaseBath2:
		return ToolStatusBath2
	case PhaseAirDry:
		return ToolStatusAirDry
	case PhaseAutoclave:
		return ToolStatusAutoclave
	case PhaseComplete:
		return ToolStatusClean
	}
	return ToolStatusAvailable
}

// Tool is a surgical instrument set owned by the facility inventory.
// IsP2Tool is a business classification assigned outside this service and
// never modified by it.
type Tool struct {
	ID             uuid.UUID  `json:"id"`
	FacilityID     uuid.UUID  `json:"facility_id"`
	Barcode        string     `json:"barcode"`
	Name           string     `json:"name"`
	IsP2Tool       bool       `json:"is_p2_tool"`
	CurrentPhase   PhaseID    `json:"current_phase,omitempty"`
	Status         ToolStatus `json:"status"`
	CurrentCycleID *uuid.UUID `json:"current_cycle_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PartitionP2 splits tools into P2 and non-P2 subsets, preserving order.
func PartitionP2(tools []Tool) (p2, other []Tool) {
	for _, t := range tools {
		if t.IsP2Tool {
			p2 = append(p2, t)
		} else {
			other = append(other, t)
		}
	}
	return p2, other
}

// ToolIDs extracts the IDs of tools in order.
func ToolIDs(tools []Tool) []uuid.UUID {
	ids := make([]uuid.UUID, len(tools))
	for i, t := range tools {
		ids[i] = t.ID
	}
	return ids
}
