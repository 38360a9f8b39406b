package auditstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LoadRecord is one row of load_history: the outcome of a single
// segment load or reload attempt.
type LoadRecord struct {
	SegmentType  string
	Name         string
	Generation   int64
	Digest       string
	Duration     time.Duration
	Failed       bool
	RejectReason string
	// RequestID correlates this row with the log lines and metrics
	// emitted for the same load attempt. RecordLoad generates a fresh
	// one if it is left as the zero UUID.
	RequestID uuid.UUID
}

// RecordLoad inserts a LoadRecord into the audit store. Failures to
// write the audit row are logged by the caller but never block a
// reload: the audit trail is best-effort.
func RecordLoad(ctx context.Context, db DatabaseConnection, rec LoadRecord) error {
	reqID := rec.RequestID
	if reqID == uuid.Nil {
		reqID = uuid.New()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO load_history
			(segment_type, name, generation, digest, duration_ms, failed, reject_reason, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.SegmentType, rec.Name, rec.Generation, rec.Digest,
		rec.Duration.Milliseconds(), rec.Failed, nullIfEmpty(rec.RejectReason), reqID,
	)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
