// Command verify-audit recomputes the content hash of every audit event in a
// Postgres database and prints, per facility, the Merkle root over the stored
// hashes and any rows whose hash no longer matches.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/verify-audit
//
// Rows written before content hashing existed carry an empty hash and are
// reported as unsealed, not tampered. The audit table is append-only, so the
// command never writes. It exits 1 when any row fails verification.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
)

type facilityTally struct {
	hashes   []string
	unsealed int
	tampered []uuid.UUID
}

func main() {
	failed, err := run()
	if err != nil {
		log.Fatal(err)
	}
	if failed {
		os.Exit(1)
	}
}

func run() (bool, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return false, fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT id, facility_id, owner_type, owner_id, action, details, operator, metadata, created_at, content_hash
		 FROM audit_events
		 ORDER BY facility_id, created_at, id`)
	if err != nil {
		return false, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	tallies := map[uuid.UUID]*facilityTally{}
	total := 0
	for rows.Next() {
		var (
			e        model.AuditEvent
			ownerTyp string
			action   string
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.FacilityID, &ownerTyp, &e.OwnerID, &action,
			&e.Details, &e.Operator, &metaJSON, &e.Timestamp, &e.ContentHash); err != nil {
			return false, fmt.Errorf("scan: %w", err)
		}
		e.OwnerType = model.AuditOwner(ownerTyp)
		e.Action = model.AuditAction(action)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return false, fmt.Errorf("unmarshal metadata of %s: %w", e.ID, err)
			}
		}
		total++

		t, ok := tallies[e.FacilityID]
		if !ok {
			t = &facilityTally{}
			tallies[e.FacilityID] = t
		}
		switch {
		case e.ContentHash == "":
			t.unsealed++
		case !integrity.VerifyAuditHash(e):
			t.tampered = append(t.tampered, e.ID)
		default:
			t.hashes = append(t.hashes, e.ContentHash)
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d audit events across %d facilities\n", total, len(tallies))

	facilities := make([]uuid.UUID, 0, len(tallies))
	for id := range tallies {
		facilities = append(facilities, id)
	}
	sort.Slice(facilities, func(i, j int) bool { return facilities[i].String() < facilities[j].String() })

	failed := false
	for _, id := range facilities {
		t := tallies[id]
		fmt.Printf("%s root=%s sealed=%d unsealed=%d tampered=%d\n",
			id, integrity.BuildMerkleRoot(t.hashes), len(t.hashes), t.unsealed, len(t.tampered))
		for _, eventID := range t.tampered {
			fmt.Printf("  tampered %s\n", eventID)
		}
		if len(t.tampered) > 0 {
			failed = true
		}
	}
	return failed, nil
}
