// Package compliance holds facility compliance policy: the chemical
// indicator gate consulted before autoclave transitions, and the
// biological indicator incident that quarantines affected tools.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/storage"
)

// Gate is a read-only view of one facility's compliance settings.
type Gate struct {
	settings model.ComplianceSettings
}

// NewGate wraps settings.
func NewGate(s model.ComplianceSettings) Gate {
	return Gate{settings: s}
}

// ShouldGateTransition reports whether leaving the given phase requires a
// chemical indicator confirmation. Only the two autoclave edges are gated.
func (g Gate) ShouldGateTransition(from model.PhaseID) bool {
	if !g.settings.EnforceCI {
		return false
	}
	return from == model.PhaseAirDry || from == model.PhaseAutoclave
}

// CanOverride reports whether an operator may skip a pending confirmation.
func (g Gate) CanOverride() bool {
	return g.settings.AllowOverrides
}

// EnforceBI reports whether an active BI incident blocks autoclave
// transitions for the whole facility.
func (g Gate) EnforceBI() bool {
	return g.settings.EnforceBI
}

// Settings returns a copy of the underlying settings.
func (g Gate) Settings() model.ComplianceSettings {
	return g.settings
}

// SettingsStore persists compliance settings.
type SettingsStore interface {
	GetComplianceSettings(ctx context.Context, facilityID uuid.UUID) (model.ComplianceSettings, error)
	SaveComplianceSettings(ctx context.Context, s model.ComplianceSettings, audit model.AuditEvent) error
}

// Policies caches compliance settings per facility. Facilities without a
// stored row get DefaultComplianceSettings.
type Policies struct {
	store  SettingsStore
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[uuid.UUID]model.ComplianceSettings
	group singleflight.Group
}

// NewPolicies creates a settings cache backed by store.
func NewPolicies(store SettingsStore, logger *slog.Logger) *Policies {
	return &Policies{
		store:  store,
		logger: logger,
		cache:  make(map[uuid.UUID]model.ComplianceSettings),
	}
}

// Gate returns the compliance gate for a facility, loading settings on
// first use.
func (p *Policies) Gate(ctx context.Context, facilityID uuid.UUID) (Gate, error) {
	s, err := p.Settings(ctx, facilityID)
	if err != nil {
		return Gate{}, err
	}
	return NewGate(s), nil
}

// Settings returns the facility's settings.
func (p *Policies) Settings(ctx context.Context, facilityID uuid.UUID) (model.ComplianceSettings, error) {
	p.mu.RLock()
	s, ok := p.cache[facilityID]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	// The load is shared by every waiting caller; one caller's cancellation
	// must not fail the rest.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := p.group.Do(facilityID.String(), func() (any, error) {
		s, err := p.store.GetComplianceSettings(loadCtx, facilityID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("compliance: load settings: %w", err)
			}
			s = model.DefaultComplianceSettings(facilityID)
		}
		p.mu.Lock()
		p.cache[facilityID] = s
		p.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return model.ComplianceSettings{}, err
	}
	return v.(model.ComplianceSettings), nil
}

// Update applies an administrative change, persists it with an audit row,
// and refreshes the cache.
func (p *Policies) Update(ctx context.Context, facilityID uuid.UUID, operator string, req model.UpdateSettingsRequest) (model.ComplianceSettings, error) {
	current, err := p.Settings(ctx, facilityID)
	if err != nil {
		return model.ComplianceSettings{}, err
	}
	next, err := req.Apply(current)
	if err != nil {
		return model.ComplianceSettings{}, &ValidationError{Msg: err.Error()}
	}

	audit := model.NewAuditEvent(facilityID, model.AuditOwnerFacility, facilityID, model.AuditSettingsUpdated, operator,
		fmt.Sprintf("Compliance settings updated: enforce_ci=%t enforce_bi=%t allow_overrides=%t prefix=%s",
			next.EnforceCI, next.EnforceBI, next.AllowOverrides, next.BatchCodePrefix))
	audit.Metadata["previous"] = map[string]any{
		"enforce_ci":      current.EnforceCI,
		"enforce_bi":      current.EnforceBI,
		"allow_overrides": current.AllowOverrides,
	}
	next.UpdatedAt = audit.Timestamp

	if err := p.store.SaveComplianceSettings(ctx, next, audit); err != nil {
		return model.ComplianceSettings{}, fmt.Errorf("compliance: save settings: %w", err)
	}

	p.mu.Lock()
	p.cache[facilityID] = next
	p.mu.Unlock()

	p.logger.Info("compliance: settings updated",
		"facility_id", facilityID,
		"operator", operator,
		"enforce_ci", next.EnforceCI,
		"enforce_bi", next.EnforceBI,
		"allow_overrides", next.AllowOverrides,
	)
	return next, nil
}
