// Package batches tracks packaged batches of tools from creation through
// the autoclave to an archived result. A batch's lifecycle is independent
// of the phase-progression cycle: a tool may sit in a batch while its
// cycle is still running.
package batches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/storage"
	"github.com/ashita-ai/sterilis/internal/telemetry"
)

// Store persists batches. Every mutation carries the audit row written in
// the same transaction.
type Store interface {
	CreateBatch(ctx context.Context, b model.Batch, audit model.AuditEvent) (model.Batch, error)
	// GetBatch returns the batch with its tools and audit trail.
	GetBatch(ctx context.Context, facilityID, id uuid.UUID) (model.Batch, error)
	// ListBatches returns batches in any of the statuses, newest first.
	ListBatches(ctx context.Context, facilityID uuid.UUID, statuses []model.BatchStatus) ([]model.Batch, error)
	// AddBatchTool fails with storage.ErrToolInOpenBatch when the tool is
	// already in another open batch.
	AddBatchTool(ctx context.Context, facilityID, batchID, toolID uuid.UUID, audit model.AuditEvent) error
	RemoveBatchTool(ctx context.Context, facilityID, batchID, toolID uuid.UUID, audit model.AuditEvent) error
	// UpdateBatch writes code, status and packaging if the batch is still
	// in status from, else storage.ErrConflict.
	UpdateBatch(ctx context.Context, b model.Batch, from model.BatchStatus, audit model.AuditEvent) (model.Batch, error)
	// NextBatchSequence returns the next number for the facility and day,
	// starting at 1.
	NextBatchSequence(ctx context.Context, facilityID uuid.UUID, day string) (int, error)
	GetTools(ctx context.Context, facilityID uuid.UUID, ids []uuid.UUID) ([]model.Tool, error)
	InsertAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// SettingsSource supplies the facility's batch code prefix.
type SettingsSource interface {
	Settings(ctx context.Context, facilityID uuid.UUID) (model.ComplianceSettings, error)
}

// QuarantineSource reports tools held by an active BI incident.
type QuarantineSource interface {
	Quarantine(ctx context.Context, facilityID uuid.UUID) (compliance.Quarantine, error)
}

// Notifier receives batch status changes.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// forward lists the allowed status changes.
var forward = map[model.BatchStatus][]model.BatchStatus{
	model.BatchStatusReady:       {model.BatchStatusInAutoclave},
	model.BatchStatusInAutoclave: {model.BatchStatusCompleted, model.BatchStatusFailed},
}

// CanTransition reports whether a batch may move from one status to another.
func CanTransition(from, to model.BatchStatus) bool {
	return slices.Contains(forward[from], to)
}

// Tracker manages batch lifecycles.
type Tracker struct {
	store      Store
	settings   SettingsSource
	quarantine QuarantineSource
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	statusChanges metric.Int64Counter
}

// New creates a Tracker. now may be nil.
func New(store Store, settings SettingsSource, quarantine QuarantineSource, notifier Notifier, logger *slog.Logger, now func() time.Time) *Tracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	meter := telemetry.Meter("sterilis/batches")
	statusChanges, _ := meter.Int64Counter("sterilis.batches.status_changes",
		metric.WithDescription("Batch status changes by target status"),
	)
	return &Tracker{
		store:         store,
		settings:      settings,
		quarantine:    quarantine,
		notifier:      notifier,
		logger:        logger,
		now:           now,
		statusChanges: statusChanges,
	}
}

func (t *Tracker) audit(facilityID, batchID uuid.UUID, action model.AuditAction, operator, details string) model.AuditEvent {
	e := model.NewAuditEvent(facilityID, model.AuditOwnerBatch, batchID, action, operator, details)
	e.Timestamp = t.now()
	return e
}

// CreateBatch opens an empty batch in the creating status.
func (t *Tracker) CreateBatch(ctx context.Context, facilityID uuid.UUID, operator string, newLoad bool) (model.Batch, error) {
	now := t.now()
	b := model.Batch{
		ID:         uuid.New(),
		FacilityID: facilityID,
		Status:     model.BatchStatusCreating,
		Tools:      []uuid.UUID{},
		NewLoad:    newLoad,
		CreatedBy:  operator,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e := t.audit(facilityID, b.ID, model.AuditBatchCreated, operator, "Batch created")
	e.Metadata["new_load"] = newLoad

	created, err := t.store.CreateBatch(ctx, b, e)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: create: %w", err)
	}
	t.logger.Info("batches: created", "facility_id", facilityID, "batch_id", b.ID, "operator", operator)
	return created, nil
}

// editable loads a batch that must still be in creating.
func (t *Tracker) editable(ctx context.Context, facilityID, batchID uuid.UUID) (model.Batch, error) {
	b, err := t.store.GetBatch(ctx, facilityID, batchID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: get: %w", err)
	}
	if b.Status != model.BatchStatusCreating {
		return model.Batch{}, fmt.Errorf("%w: status is %s", ErrNotEditable, b.Status)
	}
	return b, nil
}

// AddTool puts a tool in the batch. Adding a tool already in this batch is
// a no-op; a tool in another open batch is rejected.
func (t *Tracker) AddTool(ctx context.Context, facilityID uuid.UUID, operator string, batchID, toolID uuid.UUID) (model.Batch, error) {
	b, err := t.editable(ctx, facilityID, batchID)
	if err != nil {
		return model.Batch{}, err
	}
	if slices.Contains(b.Tools, toolID) {
		return b, nil
	}

	tools, err := t.store.GetTools(ctx, facilityID, []uuid.UUID{toolID})
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: load tool: %w", err)
	}
	if len(tools) == 0 {
		return model.Batch{}, fmt.Errorf("batches: tool %s: %w", toolID, storage.ErrNotFound)
	}
	tool := tools[0]
	if tool.Status == model.ToolStatusFailed || tool.Status == model.ToolStatusQuarantined {
		return model.Batch{}, fmt.Errorf("%w: %s is %s", ErrToolUnavailable, tool.Barcode, tool.Status)
	}
	q, err := t.quarantine.Quarantine(ctx, facilityID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: load BI state: %w", err)
	}
	if q.Blocks(toolID) {
		return model.Batch{}, fmt.Errorf("%w: %s is held by BI incident %s", ErrToolUnavailable, tool.Barcode, q.Incident.ID)
	}

	e := t.audit(facilityID, batchID, model.AuditBatchToolAdded, operator, fmt.Sprintf("Tool %s added", tool.Barcode))
	e.Metadata["tool_id"] = toolID
	if err := t.store.AddBatchTool(ctx, facilityID, batchID, toolID, e); err != nil {
		return model.Batch{}, fmt.Errorf("batches: add tool: %w", err)
	}
	return t.GetBatchByID(ctx, facilityID, batchID)
}

// RemoveTool takes a tool out of a batch still in creating.
func (t *Tracker) RemoveTool(ctx context.Context, facilityID uuid.UUID, operator string, batchID, toolID uuid.UUID) (model.Batch, error) {
	b, err := t.editable(ctx, facilityID, batchID)
	if err != nil {
		return model.Batch{}, err
	}
	if !slices.Contains(b.Tools, toolID) {
		return model.Batch{}, fmt.Errorf("batches: tool %s not in batch: %w", toolID, storage.ErrNotFound)
	}

	e := t.audit(facilityID, batchID, model.AuditBatchToolRemoved, operator, "Tool removed")
	e.Metadata["tool_id"] = toolID
	if err := t.store.RemoveBatchTool(ctx, facilityID, batchID, toolID, e); err != nil {
		return model.Batch{}, fmt.Errorf("batches: remove tool: %w", err)
	}
	return t.GetBatchByID(ctx, facilityID, batchID)
}

// SetPackageInfo records how the batch is packaged.
func (t *Tracker) SetPackageInfo(ctx context.Context, facilityID uuid.UUID, operator string, batchID uuid.UUID, info model.PackageInfo) (model.Batch, error) {
	if err := info.Validate(); err != nil {
		return model.Batch{}, &compliance.ValidationError{Msg: err.Error()}
	}
	b, err := t.editable(ctx, facilityID, batchID)
	if err != nil {
		return model.Batch{}, err
	}
	b.PackageInfo = info
	b.UpdatedAt = t.now()

	e := t.audit(facilityID, batchID, model.AuditBatchPackageInfo, operator,
		fmt.Sprintf("Packaging set to %s %s", info.PackageSize, info.PackageType))
	e.Metadata["package_type"] = info.PackageType
	e.Metadata["package_size"] = info.PackageSize
	updated, err := t.store.UpdateBatch(ctx, b, model.BatchStatusCreating, e)
	if errors.Is(err, storage.ErrConflict) {
		return model.Batch{}, ErrNotEditable
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: set package info: %w", err)
	}
	return updated, nil
}

// FinalizeBatch checks the batch is complete, assigns its code and marks
// it ready. Codes have the form PREFIX-YYYYMMDD-NNNN with a sequence that
// restarts every day for each facility.
func (t *Tracker) FinalizeBatch(ctx context.Context, facilityID uuid.UUID, operator string, batchID uuid.UUID) (model.Batch, error) {
	b, err := t.editable(ctx, facilityID, batchID)
	if err != nil {
		return model.Batch{}, err
	}

	// 1. Completeness.
	var missing []string
	if b.PackageInfo.PackageType == "" {
		missing = append(missing, "package type")
	}
	if b.PackageInfo.PackageSize == "" {
		missing = append(missing, "package size")
	}
	if len(b.Tools) == 0 {
		missing = append(missing, "tools")
	}
	if len(missing) > 0 {
		return model.Batch{}, fmt.Errorf("%w: missing %v", ErrIncomplete, missing)
	}

	// 2. Batch code.
	settings, err := t.settings.Settings(ctx, facilityID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: load settings: %w", err)
	}
	now := t.now()
	day := now.Format("20060102")
	seq, err := t.store.NextBatchSequence(ctx, facilityID, day)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: next sequence: %w", err)
	}
	b.BatchCode = FormatCode(settings.BatchCodePrefix, now, seq)
	b.Status = model.BatchStatusReady
	b.UpdatedAt = now

	// 3. Persist.
	e := t.audit(facilityID, batchID, model.AuditBatchFinalized, operator,
		fmt.Sprintf("Batch %s finalized with %d tools", b.BatchCode, len(b.Tools)))
	e.Metadata["batch_code"] = b.BatchCode
	e.Metadata["tool_count"] = len(b.Tools)
	updated, err := t.store.UpdateBatch(ctx, b, model.BatchStatusCreating, e)
	if errors.Is(err, storage.ErrConflict) {
		return model.Batch{}, ErrNotEditable
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: finalize: %w", err)
	}
	t.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.BatchStatusReady))))
	t.logger.Info("batches: finalized",
		"facility_id", facilityID,
		"batch_id", batchID,
		"batch_code", b.BatchCode,
		"tools", len(b.Tools),
		"operator", operator,
	)
	return updated, nil
}

// FormatCode renders a batch code.
func FormatCode(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), seq)
}

// UpdateBatchStatus moves a finalized batch forward. Completed and failed
// batches are archived and never change again.
func (t *Tracker) UpdateBatchStatus(ctx context.Context, facilityID uuid.UUID, operator string, batchID uuid.UUID, to model.BatchStatus, notes string) (model.Batch, error) {
	if !to.Valid() {
		return model.Batch{}, &compliance.ValidationError{Msg: fmt.Sprintf("unknown batch status %q", to)}
	}
	b, err := t.store.GetBatch(ctx, facilityID, batchID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: get: %w", err)
	}
	from := b.Status
	if !CanTransition(from, to) {
		t.rejectStatus(ctx, facilityID, operator, batchID, from, to, notes)
		return model.Batch{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	b.Status = to
	b.UpdatedAt = t.now()

	e := t.audit(facilityID, batchID, model.AuditBatchStatusChanged, operator,
		fmt.Sprintf("Status changed from %s to %s", from, to))
	e.Metadata["from"] = from
	e.Metadata["to"] = to
	if notes != "" {
		e.Metadata["notes"] = notes
	}
	updated, err := t.store.UpdateBatch(ctx, b, from, e)
	if errors.Is(err, storage.ErrConflict) {
		t.rejectStatus(ctx, facilityID, operator, batchID, from, to, notes)
		return model.Batch{}, fmt.Errorf("%w: batch changed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: update status: %w", err)
	}

	t.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	level := model.LevelInfo
	if to == model.BatchStatusFailed {
		level = model.LevelError
	}
	t.notifier.Notify(ctx, model.Notification{
		Kind:       model.NotifyBatchStatus,
		Level:      level,
		FacilityID: facilityID,
		ToolIDs:    b.Tools,
		Message:    fmt.Sprintf("Batch %s is now %s", b.BatchCode, to),
		Timestamp:  b.UpdatedAt,
	})
	t.logger.Info("batches: status changed",
		"facility_id", facilityID,
		"batch_id", batchID,
		"from", from,
		"to", to,
		"operator", operator,
	)
	return updated, nil
}

// rejectStatus records a refused status change on the batch trail. The
// refusal stands even if the audit write fails.
func (t *Tracker) rejectStatus(ctx context.Context, facilityID uuid.UUID, operator string, batchID uuid.UUID, from, to model.BatchStatus, notes string) {
	e := t.audit(facilityID, batchID, model.AuditBatchStatusRejected, operator,
		fmt.Sprintf("Status change from %s to %s rejected", from, to))
	e.Metadata["from"] = from
	e.Metadata["to"] = to
	if notes != "" {
		e.Metadata["notes"] = notes
	}
	if err := t.store.InsertAuditEvent(ctx, e); err != nil {
		t.logger.Error("batches: rejected status change not audited",
			"facility_id", facilityID, "batch_id", batchID, "error", err)
		return
	}
	t.logger.Warn("batches: status change rejected",
		"facility_id", facilityID,
		"batch_id", batchID,
		"from", from,
		"to", to,
		"operator", operator,
	)
}

// GetBatchesByStatus lists the facility's batches in one status.
func (t *Tracker) GetBatchesByStatus(ctx context.Context, facilityID uuid.UUID, status model.BatchStatus) ([]model.Batch, error) {
	if !status.Valid() {
		return nil, &compliance.ValidationError{Msg: fmt.Sprintf("unknown batch status %q", status)}
	}
	out, err := t.store.ListBatches(ctx, facilityID, []model.BatchStatus{status})
	if err != nil {
		return nil, fmt.Errorf("batches: list: %w", err)
	}
	return out, nil
}

// GetBatchByID returns one batch with its audit trail.
func (t *Tracker) GetBatchByID(ctx context.Context, facilityID, batchID uuid.UUID) (model.Batch, error) {
	b, err := t.store.GetBatch(ctx, facilityID, batchID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batches: get: %w", err)
	}
	return b, nil
}

// History lists archived batches, completed and failed.
func (t *Tracker) History(ctx context.Context, facilityID uuid.UUID) ([]model.Batch, error) {
	out, err := t.store.ListBatches(ctx, facilityID, []model.BatchStatus{model.BatchStatusCompleted, model.BatchStatusFailed})
	if err != nil {
		return nil, fmt.Errorf("batches: history: %w", err)
	}
	return out, nil
}

// VerifyBatch recomputes the hash of every audit event on the batch and
// returns the trail's Merkle root. A mismatch is logged at Error: the
// stored record was altered after it was written.
func (t *Tracker) VerifyBatch(ctx context.Context, facilityID, batchID uuid.UUID) (integrity.Report, error) {
	b, err := t.GetBatchByID(ctx, facilityID, batchID)
	if err != nil {
		return integrity.Report{}, err
	}
	r := integrity.VerifyTrail(b.AuditTrail)
	if !r.Valid {
		t.logger.Error("batches: audit trail failed verification",
			"facility_id", facilityID,
			"batch_id", batchID,
			"tampered", r.Tampered,
		)
	}
	return r, nil
}
