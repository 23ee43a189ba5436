package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sterilis/internal/model"
)

func sampleEvent() model.AuditEvent {
	e := model.NewAuditEvent(
		uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		model.AuditOwnerBatch,
		uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		model.AuditBatchFinalized,
		"tech-1",
		"Batch STB-20260301-0001 finalized with 2 tools",
	)
	e.ID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	e.Timestamp = time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	e.Metadata["batch_code"] = "STB-20260301-0001"
	e.Metadata["tool_count"] = 2
	return e
}

func TestSealIsDeterministic(t *testing.T) {
	a := Seal(sampleEvent())
	b := Seal(sampleEvent())
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Len(t, a.ContentHash, len(hashPrefix)+64)
	assert.Equal(t, 123456000, a.Timestamp.Nanosecond(), "truncated to microseconds")
	assert.True(t, VerifyAuditHash(a))
}

func TestSealFillsDefaults(t *testing.T) {
	e := Seal(model.AuditEvent{Action: model.AuditCycleStarted})
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.NotNil(t, e.Metadata)
	assert.True(t, VerifyAuditHash(e))
}

func TestHashSurvivesStorageRoundTrip(t *testing.T) {
	e := sampleEvent()
	e.Metadata["tool_id"] = uuid.MustParse("44444444-4444-4444-4444-444444444444")
	sealed := Seal(e)

	// What a store hands back: generic JSON values and a local-zone time.
	read := sealed
	read.Metadata = map[string]any{
		"batch_code": "STB-20260301-0001",
		"tool_count": float64(2),
		"tool_id":    "44444444-4444-4444-4444-444444444444",
	}
	read.Timestamp = sealed.Timestamp.In(time.FixedZone("CET", 3600))
	assert.True(t, VerifyAuditHash(read))
}

func TestVerifyDetectsTampering(t *testing.T) {
	sealed := Seal(sampleEvent())

	tests := []struct {
		name   string
		mutate func(*model.AuditEvent)
	}{
		{"details", func(e *model.AuditEvent) { e.Details = "Batch finalized with 3 tools" }},
		{"operator", func(e *model.AuditEvent) { e.Operator = "someone-else" }},
		{"action", func(e *model.AuditEvent) { e.Action = model.AuditBatchStatusChanged }},
		{"metadata", func(e *model.AuditEvent) {
			e.Metadata = map[string]any{"batch_code": "STB-20260301-0001", "tool_count": 3}
		}},
		{"timestamp", func(e *model.AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Second) }},
		{"missing hash", func(e *model.AuditEvent) { e.ContentHash = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sealed
			e.Metadata = map[string]any{}
			for k, v := range sealed.Metadata {
				e.Metadata[k] = v
			}
			tt.mutate(&e)
			assert.False(t, VerifyAuditHash(e))
		})
	}
}

func TestFieldBoundariesDoNotCollide(t *testing.T) {
	a := Seal(model.AuditEvent{Details: "ab", Operator: "c"})
	b := a
	b.Details, b.Operator = "a", "bc"
	assert.NotEqual(t, a.ContentHash, ComputeAuditHash(b))
}

func TestBuildMerkleRoot(t *testing.T) {
	assert.Empty(t, BuildMerkleRoot(nil))
	assert.Equal(t, "aa", BuildMerkleRoot([]string{"aa"}))

	two := BuildMerkleRoot([]string{"aa", "bb"})
	assert.Equal(t, hashPair("aa", "bb"), two)
	assert.NotEqual(t, two, BuildMerkleRoot([]string{"bb", "aa"}), "order matters")

	three := BuildMerkleRoot([]string{"aa", "bb", "cc"})
	assert.Equal(t, hashPair(hashPair("aa", "bb"), hashPair("cc", "cc")), three)
}

func TestVerifyTrail(t *testing.T) {
	first := Seal(sampleEvent())
	second := sampleEvent()
	second.ID = uuid.New()
	second.Action = model.AuditBatchStatusChanged
	second = Seal(second)

	r := VerifyTrail([]model.AuditEvent{first, second})
	require.True(t, r.Valid)
	assert.Equal(t, 2, r.Events)
	assert.Equal(t, BuildMerkleRoot([]string{first.ContentHash, second.ContentHash}), r.Root)

	second.Details = "edited"
	r = VerifyTrail([]model.AuditEvent{first, second})
	assert.False(t, r.Valid)
	assert.Equal(t, []uuid.UUID{second.ID}, r.Tampered)

	empty := VerifyTrail(nil)
	assert.True(t, empty.Valid)
	assert.Empty(t, empty.Root)
}
