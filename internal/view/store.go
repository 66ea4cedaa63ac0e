package view

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/pkg/types"
)

// maxParams keeps IN lists under SQLite's bound-parameter limit.
const maxParams = 500

const selectColumns = `event_id, occurred_at, received_at, actor_id, action, object_type, object_id,
	source, schema_version, attributes, depends_on_event_id, source_lane, lsn, seq, seq_rank, attr_hash`

const insertColumns = `event_id, occurred_at, received_at, actor_id, action, object_type, object_id,
	source, schema_version, attributes, depends_on_event_id, source_lane, lsn, seq, seq_rank, attr_hash,
	principal, token_hash, nonce`

// upsertSQL keeps, per event_id, the row preferred by pipeline.Preferred:
// earliest received_at, then smallest attr_hash, then lowest lsn.
func upsertSQL(table string) string {
	return `INSERT INTO ` + table + ` (` + insertColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(event_id) DO UPDATE SET
		occurred_at = excluded.occurred_at,
		received_at = excluded.received_at,
		actor_id = excluded.actor_id,
		action = excluded.action,
		object_type = excluded.object_type,
		object_id = excluded.object_id,
		source = excluded.source,
		schema_version = excluded.schema_version,
		attributes = excluded.attributes,
		depends_on_event_id = excluded.depends_on_event_id,
		source_lane = excluded.source_lane,
		lsn = excluded.lsn,
		seq = excluded.seq,
		attr_hash = excluded.attr_hash,
		principal = excluded.principal,
		token_hash = excluded.token_hash,
		nonce = excluded.nonce
	WHERE excluded.received_at < ` + table + `.received_at
		OR (excluded.received_at = ` + table + `.received_at AND excluded.attr_hash < ` + table + `.attr_hash)
		OR (excluded.received_at = ` + table + `.received_at AND excluded.attr_hash = ` + table + `.attr_hash
			AND excluded.lsn < ` + table + `.lsn)`
}

// Batch is the outcome of one refresh cycle, applied atomically.
type Batch struct {
	Admitted []types.Event
	Withheld []types.Event
	// Watermarks is the highest LSN consumed per source; they only move forward.
	Watermarks map[string]uint64
}

// Store is the SQLite-backed materialized view. A single writer connection
// serializes Apply; reads go through a read-only pool.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Open opens (creating if needed) the view database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("view: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, logger: logger.Named("view")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("view: failed to initialize schema: %w", err)
	}

	// The read pool is opened after the schema exists: a read-only handle
	// cannot create the file.
	readDB, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("view: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	if err := readDB.Ping(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("view: failed to open read database: %w", err)
	}
	s.readDB = readDB
	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Apply commits one refresh cycle in a single transaction.
func (s *Store) Apply(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.NewViewError(ferrors.CodeRefreshFailed, "begin", err)
	}
	defer tx.Rollback()

	touched := make(map[int64]struct{})
	ids := make([]string, len(b.Admitted))
	for i := range b.Admitted {
		ids[i] = b.Admitted[i].EventID
	}
	// A replacement row may move an explicit-ID event to another instant;
	// the instant it leaves needs re-ranking as well.
	prior, err := occurredAt(ctx, tx, "events", ids)
	if err != nil {
		return ferrors.NewViewError(ferrors.CodeRefreshFailed, "load prior rows", err)
	}
	for _, at := range prior {
		touched[at.UnixNano()] = struct{}{}
	}

	if err := upsert(ctx, tx, "events", b.Admitted); err != nil {
		return ferrors.NewViewError(ferrors.CodeRefreshFailed, "upsert events", err)
	}
	for i := range b.Admitted {
		touched[b.Admitted[i].OccurredAt.UnixNano()] = struct{}{}
	}

	if err := upsert(ctx, tx, "pending_events", b.Withheld); err != nil {
		return ferrors.NewViewError(ferrors.CodeRefreshFailed, "upsert pending", err)
	}
	for _, chunk := range chunks(ids) {
		q := `DELETE FROM pending_events WHERE event_id IN (` + placeholders(len(chunk)) + `)`
		if _, err := tx.ExecContext(ctx, q, stringArgs(chunk)...); err != nil {
			return ferrors.NewViewError(ferrors.CodeRefreshFailed, "release pending", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_events WHERE event_id IN (SELECT event_id FROM events)`); err != nil {
		return ferrors.NewViewError(ferrors.CodeRefreshFailed, "release pending", err)
	}

	if err := rerank(ctx, tx, touched); err != nil {
		return ferrors.NewViewError(ferrors.CodeRefreshFailed, "rank", err)
	}

	now := time.Now().UnixNano()
	for source, wm := range b.Watermarks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refresh_state (source, watermark, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(source) DO UPDATE SET watermark = excluded.watermark, updated_at = excluded.updated_at
			WHERE excluded.watermark > refresh_state.watermark`,
			source, int64(wm), now); err != nil {
			return ferrors.NewViewError(ferrors.CodeRefreshFailed, "advance watermark", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ferrors.NewViewError(ferrors.CodeRefreshFailed, "commit", err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, table string, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertSQL(table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range events {
		args, err := rowArgs(&events[i])
		if err != nil {
			return fmt.Errorf("event %s: %w", events[i].EventID, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("event %s: %w", events[i].EventID, err)
		}
	}
	return nil
}

// rerank recomputes the dense sequence rank of every event sharing one of the
// touched instants.
func rerank(ctx context.Context, tx *sql.Tx, touched map[int64]struct{}) error {
	if len(touched) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET seq_rank = ? WHERE event_id = ? AND seq_rank != ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for at := range touched {
		rows, err := tx.QueryContext(ctx, `SELECT event_id, received_at, seq FROM events WHERE occurred_at = ?`, at)
		if err != nil {
			return err
		}
		var group []types.Event
		for rows.Next() {
			var (
				ev       types.Event
				received int64
				seq      sql.NullInt64
			)
			if err := rows.Scan(&ev.EventID, &received, &seq); err != nil {
				rows.Close()
				return err
			}
			ev.OccurredAt = time.Unix(0, at)
			ev.ReceivedAt = time.Unix(0, received)
			if seq.Valid {
				v := seq.Int64
				ev.Sequence = &v
			}
			group = append(group, ev)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, ev := range pipeline.Rank(group) {
			if _, err := stmt.ExecContext(ctx, ev.SeqRank, ev.EventID, ev.SeqRank); err != nil {
				return err
			}
		}
	}
	return nil
}

func rowArgs(ev *types.Event) ([]interface{}, error) {
	var attrs []byte
	if len(ev.Attributes) > 0 {
		raw, err := json.Marshal(ev.Attributes)
		if err != nil {
			return nil, err
		}
		attrs = snappy.Encode(nil, raw)
	}
	var seq sql.NullInt64
	if ev.Sequence != nil {
		seq = sql.NullInt64{Int64: *ev.Sequence, Valid: true}
	}
	return []interface{}{
		ev.EventID,
		ev.OccurredAt.UnixNano(),
		ev.ReceivedAt.UnixNano(),
		ev.ActorID,
		ev.Action,
		ev.Object.Type,
		ev.Object.ID,
		ev.Source,
		ev.SchemaVersion,
		attrs,
		ev.DependsOnEventID,
		ev.SourceLane,
		int64(ev.LSN),
		seq,
		ev.SeqRank,
		ev.AttrHash,
		ev.Principal(),
		ev.TokenHash(),
		ev.Nonce(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (types.Event, error) {
	var (
		ev                 types.Event
		occurred, received int64
		attrs              []byte
		lsn                int64
		seq                sql.NullInt64
	)
	err := row.Scan(&ev.EventID, &occurred, &received, &ev.ActorID, &ev.Action,
		&ev.Object.Type, &ev.Object.ID, &ev.Source, &ev.SchemaVersion, &attrs,
		&ev.DependsOnEventID, &ev.SourceLane, &lsn, &seq, &ev.SeqRank, &ev.AttrHash)
	if err != nil {
		return ev, err
	}
	ev.OccurredAt = time.Unix(0, occurred).UTC()
	ev.ReceivedAt = time.Unix(0, received).UTC()
	ev.LSN = uint64(lsn)
	if seq.Valid {
		v := seq.Int64
		ev.Sequence = &v
	}
	if len(attrs) > 0 {
		raw, err := snappy.Decode(nil, attrs)
		if err != nil {
			return ev, fmt.Errorf("event %s: attributes: %w", ev.EventID, err)
		}
		if err := json.Unmarshal(raw, &ev.Attributes); err != nil {
			return ev, fmt.Errorf("event %s: attributes: %w", ev.EventID, err)
		}
	}
	return ev, nil
}

// Watermarks returns the consumed LSN per source.
func (s *Store) Watermarks(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT source, watermark FROM refresh_state`)
	if err != nil {
		return nil, fmt.Errorf("view: watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var (
			source string
			wm     int64
		)
		if err := rows.Scan(&source, &wm); err != nil {
			return nil, fmt.Errorf("view: watermarks: %w", err)
		}
		out[source] = uint64(wm)
	}
	return out, rows.Err()
}

// Watermark returns the consumed LSN for one source (0 if never refreshed).
func (s *Store) Watermark(ctx context.Context, source string) (uint64, error) {
	var wm int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT watermark FROM refresh_state WHERE source = ?`, source).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("view: watermark: %w", err)
	}
	return uint64(wm), nil
}

// Pending returns every withheld event.
func (s *Store) Pending(ctx context.Context) ([]types.Event, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM pending_events ORDER BY occurred_at, received_at, event_id`)
	if err != nil {
		return nil, fmt.Errorf("view: pending: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("view: pending: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// OccurredAt implements pipeline.ParentIndex over materialized events.
func (s *Store) OccurredAt(ctx context.Context, ids []string) (map[string]time.Time, error) {
	out, err := occurredAt(ctx, s.readDB, "events", ids)
	if err != nil {
		return nil, fmt.Errorf("view: parent lookup: %w", err)
	}
	return out, nil
}

func occurredAt(ctx context.Context, q queryer, table string, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ids))
	for _, chunk := range chunks(ids) {
		rows, err := q.QueryContext(ctx,
			`SELECT event_id, occurred_at FROM `+table+` WHERE event_id IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				id string
				at int64
			)
			if err := rows.Scan(&id, &at); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = time.Unix(0, at).UTC()
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get returns one materialized event.
func (s *Store) Get(ctx context.Context, eventID string) (*types.Event, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferrors.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("view: get: %w", err)
	}
	return &ev, nil
}

// Each streams events matching f in view order until fn returns false.
func (s *Store) Each(ctx context.Context, f types.EventFilter, fn func(types.Event) bool) error {
	query, args := buildFindQuery(f)
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("view: find: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("view: find: %w", err)
		}
		if !fn(ev) {
			return nil
		}
	}
	return rows.Err()
}

// Find returns events matching f ordered by (occurred_at, seq_rank).
func (s *Store) Find(ctx context.Context, f types.EventFilter) ([]types.Event, error) {
	var out []types.Event
	err := s.Each(ctx, f, func(ev types.Event) bool {
		out = append(out, ev)
		return true
	})
	return out, err
}

// buildFindQuery translates a filter. Since is inclusive, Until exclusive.
func buildFindQuery(f types.EventFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Actions) > 0 {
		where = append(where, `action IN (`+placeholders(len(f.Actions))+`)`)
		args = append(args, stringArgs(f.Actions)...)
	}
	if f.ActionPrefix != "" {
		// LIKE is case-insensitive in SQLite; substr compares exactly.
		where = append(where, `substr(action, 1, ?) = ?`)
		args = append(args, utf8.RuneCountInString(f.ActionPrefix), f.ActionPrefix)
	}
	if f.Subject != "" {
		where = append(where, `(principal = ? OR token_hash = ?)`)
		args = append(args, f.Subject, f.Subject)
	}
	if f.Nonce != "" {
		where = append(where, `nonce = ?`)
		args = append(args, f.Nonce)
	}
	if !f.Since.IsZero() {
		where = append(where, `occurred_at >= ?`)
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, `occurred_at < ?`)
		args = append(args, f.Until.UnixNano())
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + selectColumns + ` FROM events`)
	if len(where) > 0 {
		b.WriteString(` WHERE ` + strings.Join(where, ` AND `))
	}
	if f.Descending {
		b.WriteString(` ORDER BY occurred_at DESC, seq_rank DESC, event_id DESC`)
	} else {
		b.WriteString(` ORDER BY occurred_at, seq_rank, event_id`)
	}
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	return b.String(), args
}

// Count returns the number of materialized events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("view: count: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of withheld events.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("view: pending count: %w", err)
	}
	return n, nil
}

// EachID calls fn for every materialized event ID.
func (s *Store) EachID(ctx context.Context, fn func(string)) error {
	rows, err := s.readDB.QueryContext(ctx, `SELECT event_id FROM events`)
	if err != nil {
		return fmt.Errorf("view: ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("view: ids: %w", err)
		}
		fn(id)
	}
	return rows.Err()
}

// SnapshotTo writes a consistent copy of the database to path.
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("view: snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("view: snapshot: %w", err)
	}
	return nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}

func chunks(ids []string) [][]string {
	var out [][]string
	for len(ids) > maxParams {
		out = append(out, ids[:maxParams])
		ids = ids[maxParams:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
