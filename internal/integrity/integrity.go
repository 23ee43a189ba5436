// Package integrity provides tamper-evident hashing and Merkle tree
// construction for audit trails. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
)

const hashPrefix = "v1:"

// Seal normalizes an audit event for storage and sets its ContentHash.
// Timestamps are truncated to microseconds, the precision both stores
// keep, so a hash computed before insert verifies after a round trip.
func Seal(e model.AuditEvent) model.AuditEvent {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.ContentHash = ComputeAuditHash(e)
	return e
}

// ComputeAuditHash produces a versioned SHA-256 hex digest over the
// canonical fields of an audit event. Each field is length-prefixed so
// free-text details can never collide across field boundaries.
func ComputeAuditHash(e model.AuditEvent) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(e.ID.String())
	writeField(e.FacilityID.String())
	writeField(string(e.OwnerType))
	writeField(e.OwnerID.String())
	writeField(string(e.Action))
	writeField(e.Details)
	writeField(e.Operator)
	writeField(canonicalMetadata(e.Metadata))
	writeField(e.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// canonicalMetadata renders metadata as JSON with sorted keys. Values are
// round-tripped through JSON first so typed values (uuid.UUID, int) hash
// the same as the generic values read back from storage.
func canonicalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ""
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return ""
	}
	return string(out)
}

// VerifyAuditHash reports whether the stored hash matches the event.
func VerifyAuditHash(e model.AuditEvent) bool {
	if !strings.HasPrefix(e.ContentHash, hashPrefix) {
		return false
	}
	return e.ContentHash == ComputeAuditHash(e)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01
// prefix separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaf order is significant. Empty input returns "", a single leaf is
// its own root, and odd levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// Report is the result of verifying one audit trail.
type Report struct {
	Events   int         `json:"events"`
	Root     string      `json:"root"`
	Valid    bool        `json:"valid"`
	Tampered []uuid.UUID `json:"tampered,omitempty"`
}

// VerifyTrail checks every event hash in a chronological trail and returns
// the Merkle root over the stored hashes. The root is what an auditor
// records to detect later rewrites of the whole trail.
func VerifyTrail(trail []model.AuditEvent) Report {
	r := Report{Events: len(trail)}
	leaves := make([]string, 0, len(trail))
	for _, e := range trail {
		if !VerifyAuditHash(e) {
			r.Tampered = append(r.Tampered, e.ID)
		}
		leaves = append(leaves, e.ContentHash)
	}
	r.Root = BuildMerkleRoot(leaves)
	r.Valid = len(r.Tampered) == 0
	return r
}
