package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite database at path with WAL journaling.
// The returned *sql.DB is limited to one connection: SQLite serializes writers anyway,
// and a single connection keeps the upsert + read-back sequences atomic.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteStore is a Store for single-node deployments. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db    *sql.DB
	now   Clock
	table string
	owned bool
}

// NewSQLiteStore wraps an existing *sql.DB. The caller keeps ownership of db.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("presence: nil sqlite db")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: o.now, table: o.table}, nil
}

// OpenSQLiteStore opens path and returns a store that closes the database on Close.
func OpenSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, unavailable("presence.OpenSQLiteStore", err)
	}
	st, err := NewSQLiteStore(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	st.owned = true
	return st, nil
}

func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("presence.Ping", err)
	}
	return nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			user_id       TEXT PRIMARY KEY,
			status        TEXT NOT NULL DEFAULT 'OFFLINE',
			custom_status TEXT NULL,
			last_seen_at  INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + s.table + `_status_last_seen_idx ON ` + s.table + ` (status, last_seen_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return unavailable("presence.Migrate", err)
		}
	}
	return nil
}

const sqliteColumns = `user_id, status, custom_status, last_seen_at, updated_at`

func (s *SQLiteStore) SetStatus(ctx context.Context, userID string, status Status, customStatus *string) (Record, error) {
	const op = "presence.SetStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if !status.Valid() {
		return Record{}, OpError{Op: op, Kind: ErrInvalidStatus, Msg: string(status)}
	}
	if customStatus != nil {
		if err := validateCustomStatus(op, *customStatus); err != nil {
			return Record{}, err
		}
	}

	now := toMillis(s.now())
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.table+` (user_id, status, custom_status, last_seen_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?4)
		 ON CONFLICT (user_id) DO UPDATE
		    SET status = excluded.status,
		        custom_status = CASE WHEN ?5 THEN excluded.custom_status ELSE `+s.table+`.custom_status END,
		        last_seen_at = excluded.last_seen_at,
		        updated_at = excluded.updated_at
		 RETURNING `+sqliteColumns,
		userID, string(status), nullString(customStatus), now, customStatus != nil,
	)
	return scanSQLiteRecord(op, row)
}

func (s *SQLiteStore) SetCustomStatus(ctx context.Context, userID, customStatus string) (Record, error) {
	const op = "presence.SetCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if err := validateCustomStatus(op, customStatus); err != nil {
		return Record{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.table+` (user_id, status, custom_status, last_seen_at, updated_at)
		 VALUES (?1, 'OFFLINE', ?2, ?3, ?3)
		 ON CONFLICT (user_id) DO UPDATE
		    SET custom_status = excluded.custom_status,
		        last_seen_at = excluded.last_seen_at,
		        updated_at = excluded.updated_at
		 RETURNING `+sqliteColumns,
		userID, customStatus, toMillis(s.now()),
	)
	return scanSQLiteRecord(op, row)
}

func (s *SQLiteStore) ClearCustomStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.ClearCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	rec, err := scanSQLiteRecord(op, s.db.QueryRowContext(ctx,
		`UPDATE `+s.table+` SET custom_status = NULL, updated_at = ?2 WHERE user_id = ?1 RETURNING `+sqliteColumns,
		userID, toMillis(s.now()),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(op, userID)
	}
	return rec, err
}

func (s *SQLiteStore) GetStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.GetStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	now := toMillis(s.now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (user_id, status, custom_status, last_seen_at, updated_at)
		 VALUES (?1, 'OFFLINE', NULL, ?2, ?2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, now,
	); err != nil {
		return Record{}, unavailable(op, err)
	}

	return scanSQLiteRecord(op, s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM `+s.table+` WHERE user_id = ?1`, userID))
}

func (s *SQLiteStore) GetMultiple(ctx context.Context, userIDs []string) ([]Record, error) {
	const op = "presence.GetMultiple"
	if len(userIDs) == 0 {
		return []Record{}, nil
	}

	ids := uniqueIDs(userIDs)
	found, err := s.queryMap(ctx, op,
		`SELECT `+sqliteColumns+` FROM `+s.table+` WHERE user_id IN (`+placeholders(len(ids))+`)`,
		anySlice(ids)...)
	if err != nil {
		return nil, err
	}
	return orderByInput(userIDs, found, s.now()), nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, userID string) (Record, error) {
	const op = "presence.Heartbeat"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	rec, err := scanSQLiteRecord(op, s.db.QueryRowContext(ctx,
		`UPDATE `+s.table+` SET last_seen_at = ?2 WHERE user_id = ?1 RETURNING `+sqliteColumns,
		userID, toMillis(s.now()),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(op, userID)
	}
	return rec, err
}

func (s *SQLiteStore) ListActive(ctx context.Context, candidates []string) ([]Record, error) {
	const op = "presence.ListActive"
	if len(candidates) == 0 {
		return []Record{}, nil
	}

	ids := uniqueIDs(candidates)
	args := append(anySlice(ids), anySlice(statusStrings(ActiveStatuses))...)
	found, err := s.queryMap(ctx, op,
		`SELECT `+sqliteColumns+` FROM `+s.table+`
		  WHERE user_id IN (`+placeholders(len(ids))+`)
		    AND status IN (`+placeholdersFrom(len(ids)+1, len(ActiveStatuses))+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	return activeInOrder(candidates, found), nil
}

func (s *SQLiteStore) DemoteIdle(ctx context.Context, from []Status, to Status, cutoff time.Time) ([]Record, error) {
	const op = "presence.DemoteIdle"
	if !to.Valid() {
		return nil, OpError{Op: op, Kind: ErrInvalidStatus, Msg: string(to)}
	}
	if len(from) == 0 {
		return nil, nil
	}

	args := []any{string(to), toMillis(s.now()), toMillis(cutoff)}
	args = append(args, anySlice(statusStrings(from))...)

	rows, err := s.db.QueryContext(ctx,
		`UPDATE `+s.table+`
		    SET status = ?1, updated_at = ?2
		  WHERE last_seen_at < ?3
		    AND status IN (`+placeholdersFrom(4, len(from))+`)
		RETURNING `+sqliteColumns,
		args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(op, rows)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return out, unavailable(op, err)
	}
	return out, nil
}

func (s *SQLiteStore) queryMap(ctx context.Context, op, q string, args ...any) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Record)
	for rows.Next() {
		rec, err := scanSQLiteRecord(op, rows)
		if err != nil {
			return nil, err
		}
		out[rec.UserID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(op string, row rowScanner) (Record, error) {
	var (
		rec          Record
		status       string
		customStatus sql.NullString
		lastSeen     int64
		updated      int64
	)
	if err := row.Scan(&rec.UserID, &status, &customStatus, &lastSeen, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, unavailable(op, err)
	}
	rec.Status = Status(status)
	if customStatus.Valid {
		cs := customStatus.String
		rec.CustomStatus = &cs
	}
	rec.LastSeenAt = time.UnixMilli(lastSeen).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func placeholders(n int) string { return placeholdersFrom(1, n) }

// placeholdersFrom renders ?start, ?start+1, ... so positional and numbered params can mix.
func placeholdersFrom(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("?%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
