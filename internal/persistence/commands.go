package persistence

import (
	"FlashLever/internal/ingestion"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CommandLog is the durable tier of inbound command deduplication: every
// command that reached the engine is recorded by request id.
type CommandLog struct {
	db      *sql.DB
	timeout time.Duration
}

func NewCommandLog(db *sql.DB) *CommandLog {
	return &CommandLog{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether requestID was already recorded.
func (c *CommandLog) IsDuplicate(requestID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM flash.commands WHERE request_id = $1 LIMIT 1`,
		requestID.String(),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record stores the outcome of a command. A second record for the same
// request id is ignored.
func (c *CommandLog) Record(ctx context.Context, rec ingestion.CommandRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO flash.commands (request_id, command, status, detail, subject, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID.String(), string(rec.Command), string(rec.Status), rec.Detail, rec.Subject, rec.Data,
	)
	return err
}

// Replayable returns every applied command in arrival order. Rows recorded
// before payloads were kept are skipped.
func (c *CommandLog) Replayable(ctx context.Context) ([]ingestion.RawCommand, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT command, subject, payload, received_at FROM flash.commands
		WHERE status = $1 AND payload IS NOT NULL
		ORDER BY seq`, string(ingestion.StatusApplied))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ingestion.RawCommand
	for rows.Next() {
		var (
			raw  ingestion.RawCommand
			kind string
		)
		if err := rows.Scan(&kind, &raw.Subject, &raw.Data, &raw.Timestamp); err != nil {
			return nil, err
		}
		raw.Type = ingestion.CommandType(kind)
		out = append(out, raw)
	}
	return out, rows.Err()
}

// RecentIDs returns up to limit request ids, newest first, for warming
// the in-memory dedup tier.
func (c *CommandLog) RecentIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT request_id FROM flash.commands ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
