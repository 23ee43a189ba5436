package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/storage"
)

// IncidentStore persists BI failure incidents. CreateIncident and
// ResolveIncident apply the incident row, the tool quarantine changes and
// the audit row in one transaction.
type IncidentStore interface {
	GetActiveIncident(ctx context.Context, facilityID uuid.UUID) (model.BIFailureIncident, error)
	CreateIncident(ctx context.Context, inc model.BIFailureIncident, audit model.AuditEvent) (quarantined []uuid.UUID, err error)
	ResolveIncident(ctx context.Context, inc model.BIFailureIncident, audit model.AuditEvent) (released []uuid.UUID, err error)
	BatchToolIDs(ctx context.Context, facilityID uuid.UUID, batchIDs []uuid.UUID) ([]uuid.UUID, error)
}

// Notifier delivers best-effort operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// Quarantine is the BI state of a facility at one instant.
type Quarantine struct {
	Active   bool
	Incident model.BIFailureIncident
	tools    map[uuid.UUID]struct{}
}

// NewQuarantine builds the active state for an incident holding toolIDs.
func NewQuarantine(inc model.BIFailureIncident, toolIDs []uuid.UUID) Quarantine {
	q := Quarantine{Active: true, Incident: inc, tools: make(map[uuid.UUID]struct{}, len(toolIDs))}
	for _, id := range toolIDs {
		q.tools[id] = struct{}{}
	}
	return q
}

// Blocks reports whether the tool belongs to a batch named on the active
// incident.
func (q Quarantine) Blocks(toolID uuid.UUID) bool {
	if !q.Active {
		return false
	}
	_, ok := q.tools[toolID]
	return ok
}

// Affected returns the subset of ids blocked by the incident, in order.
func (q Quarantine) Affected(ids []uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, id := range ids {
		if q.Blocks(id) {
			out = append(out, id)
		}
	}
	return out
}

// ActivateInput describes a failed BI test.
type ActivateInput struct {
	AffectedToolsCount int
	AffectedBatchIDs   []uuid.UUID
	Operator           string
}

// Resolution is the outcome of the resolution workflow. All three
// confirmations are required before an incident can be cleared.
type Resolution struct {
	Operator            string
	Notes               string
	QuarantineHandled   bool
	ResterilizationDone bool
	BIRetestPassed      bool
}

func (r Resolution) complete() bool {
	return r.QuarantineHandled && r.ResterilizationDone && r.BIRetestPassed
}

// Incidents tracks the active BI failure incident per facility.
type Incidents struct {
	store    IncidentStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[uuid.UUID]Quarantine
	group singleflight.Group
}

// NewIncidents creates an incident tracker.
func NewIncidents(store IncidentStore, notifier Notifier, logger *slog.Logger) *Incidents {
	return &Incidents{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		cache:    make(map[uuid.UUID]Quarantine),
	}
}

// Quarantine returns the facility's current BI state.
func (s *Incidents) Quarantine(ctx context.Context, facilityID uuid.UUID) (Quarantine, error) {
	s.mu.RLock()
	q, ok := s.cache[facilityID]
	s.mu.RUnlock()
	if ok {
		return q, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(facilityID.String(), func() (any, error) {
		q, err := s.load(loadCtx, facilityID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[facilityID] = q
		s.mu.Unlock()
		return q, nil
	})
	if err != nil {
		return Quarantine{}, err
	}
	return v.(Quarantine), nil
}

// Active returns the active incident, or ErrNoActiveIncident.
func (s *Incidents) Active(ctx context.Context, facilityID uuid.UUID) (model.BIFailureIncident, error) {
	q, err := s.Quarantine(ctx, facilityID)
	if err != nil {
		return model.BIFailureIncident{}, err
	}
	if !q.Active {
		return model.BIFailureIncident{}, ErrNoActiveIncident
	}
	return q.Incident, nil
}

func (s *Incidents) load(ctx context.Context, facilityID uuid.UUID) (Quarantine, error) {
	inc, err := s.store.GetActiveIncident(ctx, facilityID)
	if errors.Is(err, storage.ErrNotFound) {
		return Quarantine{}, nil
	}
	if err != nil {
		return Quarantine{}, fmt.Errorf("compliance: load active incident: %w", err)
	}
	return s.quarantineFor(ctx, inc)
}

func (s *Incidents) quarantineFor(ctx context.Context, inc model.BIFailureIncident) (Quarantine, error) {
	if len(inc.AffectedBatchIDs) == 0 {
		return NewQuarantine(inc, nil), nil
	}
	ids, err := s.store.BatchToolIDs(ctx, inc.FacilityID, inc.AffectedBatchIDs)
	if err != nil {
		return Quarantine{}, fmt.Errorf("compliance: load affected tools: %w", err)
	}
	return NewQuarantine(inc, ids), nil
}

// Activate records a BI failure. Tools in the affected batches that are not
// part of a running cycle are moved to quarantined status.
func (s *Incidents) Activate(ctx context.Context, facilityID uuid.UUID, in ActivateInput) (model.BIFailureIncident, error) {
	if strings.TrimSpace(in.Operator) == "" {
		return model.BIFailureIncident{}, &ValidationError{Msg: "operator is required"}
	}
	if in.AffectedToolsCount < 0 {
		return model.BIFailureIncident{}, &ValidationError{Msg: "affected_tools_count must not be negative"}
	}

	current, err := s.Quarantine(ctx, facilityID)
	if err != nil {
		return model.BIFailureIncident{}, err
	}
	if current.Active {
		return model.BIFailureIncident{}, ErrIncidentActive
	}

	inc := model.BIFailureIncident{
		ID:                 uuid.New(),
		FacilityID:         facilityID,
		Date:               s.now(),
		AffectedToolsCount: in.AffectedToolsCount,
		AffectedBatchIDs:   dedupe(in.AffectedBatchIDs),
		Operator:           in.Operator,
		Active:             true,
	}
	audit := model.NewAuditEvent(facilityID, model.AuditOwnerIncident, inc.ID, model.AuditBIFailureActivated, in.Operator,
		fmt.Sprintf("BI failure reported: %d tools across %d batches quarantined", inc.AffectedToolsCount, len(inc.AffectedBatchIDs)))
	audit.Metadata["affected_batch_ids"] = inc.AffectedBatchIDs

	quarantined, err := s.store.CreateIncident(ctx, inc, audit)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.BIFailureIncident{}, ErrIncidentActive
		}
		return model.BIFailureIncident{}, fmt.Errorf("compliance: create incident: %w", err)
	}

	q, err := s.quarantineFor(ctx, inc)
	if err != nil {
		// The incident is committed; drop the cache so the next read reloads it.
		s.invalidate(facilityID)
		return inc, err
	}
	s.mu.Lock()
	s.cache[facilityID] = q
	s.mu.Unlock()

	s.logger.Warn("compliance: BI failure activated",
		"facility_id", facilityID,
		"incident_id", inc.ID,
		"affected_batches", len(inc.AffectedBatchIDs),
		"quarantined_tools", len(quarantined),
		"operator", in.Operator,
	)
	s.notifier.Notify(ctx, model.Notification{
		Kind:       model.NotifyBIFailure,
		Level:      model.LevelError,
		FacilityID: facilityID,
		Message:    fmt.Sprintf("BI failure: %d tools quarantined", len(quarantined)),
		ToolIDs:    quarantined,
		Timestamp:  inc.Date,
	})
	return inc, nil
}

// Deactivate clears the active incident once the resolution workflow has
// confirmed every step. Quarantined tools return to available.
func (s *Incidents) Deactivate(ctx context.Context, facilityID uuid.UUID, r Resolution) (model.BIFailureIncident, error) {
	if strings.TrimSpace(r.Operator) == "" {
		return model.BIFailureIncident{}, &ValidationError{Msg: "operator is required"}
	}
	if !r.complete() {
		return model.BIFailureIncident{}, ErrResolutionIncomplete
	}

	inc, err := s.Active(ctx, facilityID)
	if err != nil {
		return model.BIFailureIncident{}, err
	}

	now := s.now()
	inc.Active = false
	inc.ResolvedAt = &now
	inc.ResolvedBy = &r.Operator
	if r.Notes != "" {
		inc.ResolutionNotes = &r.Notes
	}
	audit := model.NewAuditEvent(facilityID, model.AuditOwnerIncident, inc.ID, model.AuditBIFailureDeactivated, r.Operator,
		"BI failure resolved: quarantine handled, tools re-sterilized, BI retest passed")
	if r.Notes != "" {
		audit.Metadata["notes"] = r.Notes
	}

	released, err := s.store.ResolveIncident(ctx, inc, audit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.invalidate(facilityID)
			return model.BIFailureIncident{}, ErrNoActiveIncident
		}
		return model.BIFailureIncident{}, fmt.Errorf("compliance: resolve incident: %w", err)
	}

	s.mu.Lock()
	s.cache[facilityID] = Quarantine{}
	s.mu.Unlock()

	s.logger.Info("compliance: BI failure resolved",
		"facility_id", facilityID,
		"incident_id", inc.ID,
		"released_tools", len(released),
		"operator", r.Operator,
	)
	s.notifier.Notify(ctx, model.Notification{
		Kind:       model.NotifyBIFailure,
		Level:      model.LevelInfo,
		FacilityID: facilityID,
		Message:    "BI failure incident resolved",
		ToolIDs:    released,
		Timestamp:  now,
	})
	return inc, nil
}

func (s *Incidents) invalidate(facilityID uuid.UUID) {
	s.mu.Lock()
	delete(s.cache, facilityID)
	s.mu.Unlock()
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
