package presence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Timestamps come from the injected clock rather than now() so every backend
// shares the same notion of time under test.
type PostgresStore struct {
	pool   *pgxpool.Pool
	now    Clock
	schema string
	table  string
	ident  string
}

// NewPostgresStore constructs a Postgres-backed Store (schema "herald" unless overridden).
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("presence: nil pool")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		pool:   pool,
		now:    o.now,
		schema: o.schema,
		table:  o.table,
		ident:  pgIdent(o.schema, o.table),
	}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("presence.Ping", err)
	}
	return nil
}

// Migrate creates the schema, table and sweep index when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	idx := pgx.Identifier{s.table + "_status_last_seen_idx"}.Sanitize()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + s.ident + ` (
			user_id       text PRIMARY KEY,
			status        text NOT NULL DEFAULT 'OFFLINE'
			              CHECK (status IN ('ONLINE','OFFLINE','AWAY','BUSY','DO_NOT_DISTURB')),
			custom_status text NULL,
			last_seen_at  timestamptz NOT NULL,
			updated_at    timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + idx + ` ON ` + s.ident + ` (status, last_seen_at)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return unavailable("presence.Migrate", err)
		}
	}
	return nil
}

const pgColumns = `user_id, status, custom_status, last_seen_at, updated_at`

func (s *PostgresStore) SetStatus(ctx context.Context, userID string, status Status, customStatus *string) (Record, error) {
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

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.ident+` AS p (user_id, status, custom_status, last_seen_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (user_id) DO UPDATE
		    SET status = EXCLUDED.status,
		        custom_status = CASE WHEN $5::boolean THEN EXCLUDED.custom_status ELSE p.custom_status END,
		        last_seen_at = EXCLUDED.last_seen_at,
		        updated_at = EXCLUDED.updated_at
		 RETURNING `+pgColumns,
		userID, string(status), customStatus, s.now(), customStatus != nil,
	)
	return scanPGRecord(op, row)
}

func (s *PostgresStore) SetCustomStatus(ctx context.Context, userID, customStatus string) (Record, error) {
	const op = "presence.SetCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if err := validateCustomStatus(op, customStatus); err != nil {
		return Record{}, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.ident+` AS p (user_id, status, custom_status, last_seen_at, updated_at)
		 VALUES ($1, 'OFFLINE', $2, $3, $3)
		 ON CONFLICT (user_id) DO UPDATE
		    SET custom_status = EXCLUDED.custom_status,
		        last_seen_at = EXCLUDED.last_seen_at,
		        updated_at = EXCLUDED.updated_at
		 RETURNING `+pgColumns,
		userID, customStatus, s.now(),
	)
	return scanPGRecord(op, row)
}

func (s *PostgresStore) ClearCustomStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.ClearCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE `+s.ident+`
		    SET custom_status = NULL,
		        updated_at = $2
		  WHERE user_id = $1
		RETURNING `+pgColumns,
		userID, s.now(),
	)
	rec, err := scanPGRecord(op, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, notFound(op, userID)
	}
	return rec, err
}

func (s *PostgresStore) GetStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.GetStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	rec, err := scanPGRecord(op, s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM `+s.ident+` WHERE user_id = $1`, userID))
	if err == nil || !errors.Is(err, pgx.ErrNoRows) {
		return rec, err
	}

	// Materialize the default. A concurrent writer wins via DO NOTHING and we re-read its row.
	now := s.now()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident+` (user_id, status, custom_status, last_seen_at, updated_at)
		 VALUES ($1, 'OFFLINE', NULL, $2, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, now,
	); err != nil {
		return Record{}, unavailable(op, err)
	}

	rec, err = scanPGRecord(op, s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM `+s.ident+` WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultRecord(userID, now), nil
	}
	return rec, err
}

func (s *PostgresStore) GetMultiple(ctx context.Context, userIDs []string) ([]Record, error) {
	const op = "presence.GetMultiple"
	if len(userIDs) == 0 {
		return []Record{}, nil
	}

	found, err := s.queryMap(ctx, op,
		`SELECT `+pgColumns+` FROM `+s.ident+` WHERE user_id = ANY($1)`, uniqueIDs(userIDs))
	if err != nil {
		return nil, err
	}
	return orderByInput(userIDs, found, s.now()), nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, userID string) (Record, error) {
	const op = "presence.Heartbeat"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	rec, err := scanPGRecord(op, s.pool.QueryRow(ctx,
		`UPDATE `+s.ident+` SET last_seen_at = $2 WHERE user_id = $1 RETURNING `+pgColumns,
		userID, s.now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, notFound(op, userID)
	}
	return rec, err
}

func (s *PostgresStore) ListActive(ctx context.Context, candidates []string) ([]Record, error) {
	const op = "presence.ListActive"
	if len(candidates) == 0 {
		return []Record{}, nil
	}

	found, err := s.queryMap(ctx, op,
		`SELECT `+pgColumns+` FROM `+s.ident+` WHERE user_id = ANY($1) AND status = ANY($2)`,
		uniqueIDs(candidates), statusStrings(ActiveStatuses))
	if err != nil {
		return nil, err
	}
	return activeInOrder(candidates, found), nil
}

func (s *PostgresStore) DemoteIdle(ctx context.Context, from []Status, to Status, cutoff time.Time) ([]Record, error) {
	const op = "presence.DemoteIdle"
	if !to.Valid() {
		return nil, OpError{Op: op, Kind: ErrInvalidStatus, Msg: string(to)}
	}
	if len(from) == 0 {
		return nil, nil
	}

	// Single conditional UPDATE: the predicate is evaluated against the row at
	// write time, so a heartbeat that lands first keeps the user where they are.
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.ident+`
		    SET status = $1,
		        updated_at = $2
		  WHERE status = ANY($3)
		    AND last_seen_at < $4
		RETURNING `+pgColumns,
		string(to), s.now(), statusStrings(from), cutoff,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPGRecord(op, rows)
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

func (s *PostgresStore) queryMap(ctx context.Context, op, q string, args ...any) (map[string]Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		rec, err := scanPGRecord(op, rows)
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

// scanPGRecord passes pgx.ErrNoRows through untouched so callers can map it.
func scanPGRecord(op string, row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	if err := row.Scan(&rec.UserID, &status, &rec.CustomStatus, &rec.LastSeenAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, unavailable(op, err)
	}
	rec.Status = Status(status)
	rec.LastSeenAt = rec.LastSeenAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
