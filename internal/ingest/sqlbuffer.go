package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

const sqlBufferSchema = `
CREATE TABLE IF NOT EXISTS ingest_buffer (
    lsn          BIGSERIAL PRIMARY KEY,
    candidate_id TEXT        NOT NULL,
    source_lane  TEXT        NOT NULL,
    received_at  TIMESTAMPTZ NOT NULL,
    payload      BYTEA       NOT NULL
)`

// appendLockKey names the advisory lock every append holds until commit.
// Sequence values are taken in lock order, so commit order matches LSN order
// and a scan never observes LSN n+1 before n is committed or aborted.
const appendLockKey int64 = 0x66616374_6c6f67

// SQLBuffer is a Buffer backed by a Postgres table. LSNs come from the table's
// sequence, so several factlog processes can append to the same buffer.
type SQLBuffer struct {
	db    *sql.DB
	clock *receiptClock
	ids   *types.ULIDGenerator
}

// OpenPostgres connects through the pgx stdlib driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*SQLBuffer, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("ingest: open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest: ping postgres: %w", err)
	}
	return NewSQLBuffer(db), nil
}

// NewSQLBuffer wraps an existing handle.
func NewSQLBuffer(db *sql.DB) *SQLBuffer {
	return &SQLBuffer{
		db:    db,
		clock: newReceiptClock(nil),
		ids:   types.NewULIDGenerator(),
	}
}

// EnsureSchema creates the buffer table if needed.
func (b *SQLBuffer) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, sqlBufferSchema); err != nil {
		return fmt.Errorf("ingest: create ingest_buffer: %w", err)
	}
	return nil
}

// Append implements Buffer.
func (b *SQLBuffer) Append(ctx context.Context, sub types.Submission) (types.Candidate, error) {
	receivedAt := b.clock.stamp(sub.ReceivedAt)
	id, err := b.ids.GenerateWithTime(receivedAt)
	if err != nil {
		return types.Candidate{}, ferrors.NewStorageError(ferrors.CodeAppendFailed, "generate candidate id", err)
	}

	c := types.Candidate{
		CandidateID: id.String(),
		SourceLane:  laneOrDefault(sub.SourceLane),
		ReceivedAt:  receivedAt,
		Payload:     sub.Payload,
	}

	lsn, err := b.insert(ctx, c)
	if err != nil {
		return types.Candidate{}, err
	}
	c.LSN = uint64(lsn)
	return c, nil
}

func (b *SQLBuffer) insert(ctx context.Context, c types.Candidate) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ferrors.NewStorageError(ferrors.CodeAppendFailed, "begin append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return 0, ferrors.NewStorageError(ferrors.CodeAppendFailed, "lock ingest_buffer", err)
	}
	var lsn int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ingest_buffer (candidate_id, source_lane, received_at, payload) VALUES ($1, $2, $3, $4) RETURNING lsn`,
		c.CandidateID, c.SourceLane, c.ReceivedAt, c.Payload,
	).Scan(&lsn)
	if err != nil {
		return 0, ferrors.NewStorageError(ferrors.CodeAppendFailed, "insert candidate", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, ferrors.NewStorageError(ferrors.CodeAppendFailed, "commit append", err)
	}
	return lsn, nil
}

// Scan implements Buffer.
func (b *SQLBuffer) Scan(ctx context.Context, afterLSN uint64, limit int) ([]types.Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT lsn, candidate_id, source_lane, received_at, payload FROM ingest_buffer WHERE lsn > $1 ORDER BY lsn LIMIT $2`,
		int64(afterLSN), limit,
	)
	if err != nil {
		return nil, ferrors.NewStorageError(ferrors.CodeScanFailed, "query ingest_buffer", err)
	}
	defer rows.Close()

	var out []types.Candidate
	for rows.Next() {
		var (
			c   types.Candidate
			lsn int64
		)
		if err := rows.Scan(&lsn, &c.CandidateID, &c.SourceLane, &c.ReceivedAt, &c.Payload); err != nil {
			return nil, ferrors.NewStorageError(ferrors.CodeScanFailed, "scan ingest_buffer row", err)
		}
		c.LSN = uint64(lsn)
		c.ReceivedAt = c.ReceivedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.NewStorageError(ferrors.CodeScanFailed, "iterate ingest_buffer", err)
	}
	return out, nil
}

// HighWatermark implements Buffer.
func (b *SQLBuffer) HighWatermark(ctx context.Context) (uint64, error) {
	var lsn int64
	if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(lsn), 0) FROM ingest_buffer`).Scan(&lsn); err != nil {
		return 0, ferrors.NewStorageError(ferrors.CodeScanFailed, "read high watermark", err)
	}
	return uint64(lsn), nil
}

// Close closes the database handle.
func (b *SQLBuffer) Close() error {
	return b.db.Close()
}
