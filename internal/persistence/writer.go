package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// BatchWriter persists one batch atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, b *Batch) error
}

// PGWriter writes position and settlement rows to Postgres using
// multi-row statements inside a single transaction.
type PGWriter struct {
	db *sql.DB
}

func NewPGWriter(db *sql.DB) *PGWriter {
	return &PGWriter{db: db}
}

func (w *PGWriter) WriteBatch(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPositions(ctx, tx, LatestPositions(b.Positions)); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	if err := insertSettlements(ctx, tx, b.Settlements); err != nil {
		return fmt.Errorf("write settlements: %w", err)
	}
	return tx.Commit()
}

// LatestPositions keeps the last record per (user, position id), preserving
// first-seen order. One INSERT ... ON CONFLICT cannot touch a row twice.
func LatestPositions(in []PositionRecord) []PositionRecord {
	type key struct {
		user string
		id   uint64
	}
	idx := make(map[key]int, len(in))
	out := make([]PositionRecord, 0, len(in))
	for _, r := range in {
		k := key{r.User, r.PositionID}
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

func upsertPositions(ctx context.Context, tx *sql.Tx, rows []PositionRecord) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 13
	query := `INSERT INTO flash.positions
		(user_address, position_id, is_open, collateral_token, loan_token, proxy_address,
		 amount_collateral, amount_leveraged, shares_borrowed, collateral_in_loan_token,
		 flash_loan_amount, opened_at, closed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.User, int64(r.PositionID), r.Open, r.CollateralToken, r.LoanToken, r.Proxy,
			r.AmountCollateral, r.AmountLeveraged, r.SharesBorrowed, r.CollateralInLoanToken,
			r.FlashLoanAmount, r.OpenedAt, nullTime(r.ClosedAt),
		)
	}
	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (user_address, position_id) DO UPDATE SET
		is_open = EXCLUDED.is_open,
		closed_at = EXCLUDED.closed_at,
		updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func insertSettlements(ctx context.Context, tx *sql.Tx, rows []SettlementRecord) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 12
	query := `INSERT INTO flash.settlements
		(event_id, user_address, position_id, loan_token, flash_loan_amount,
		 total_returned, yield, fee, user_amount, settled_at,
		 event_sequence, event_hash)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.EventID.String(), r.User, int64(r.PositionID), r.LoanToken, r.FlashLoanAmount,
			r.TotalReturned, r.Yield, r.Fee, r.UserAmount, r.SettledAt,
			int64(r.EventSequence), r.EventHash,
		)
	}
	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// SettlementsByUser returns the newest settlements for user, at most limit.
func (w *PGWriter) SettlementsByUser(ctx context.Context, user string, limit int) ([]SettlementRecord, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_id, user_address, position_id, loan_token, flash_loan_amount,
		       total_returned, yield, fee, user_amount, settled_at,
		       event_sequence, event_hash
		FROM flash.settlements
		WHERE user_address = $1
		ORDER BY settled_at DESC
		LIMIT $2`, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementRecord
	for rows.Next() {
		var (
			r   SettlementRecord
			id  string
			pos int64
			seq int64
		)
		if err := rows.Scan(&id, &r.User, &pos, &r.LoanToken, &r.FlashLoanAmount,
			&r.TotalReturned, &r.Yield, &r.Fee, &r.UserAmount, &r.SettledAt,
			&seq, &r.EventHash); err != nil {
			return nil, err
		}
		if err := r.EventID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("settlement id %q: %w", id, err)
		}
		r.PositionID = uint64(pos)
		r.EventSequence = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+i)
	}
	sb.WriteByte(')')
	return sb.String()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
