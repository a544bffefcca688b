package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// ScyllaConfig describes how to reach a ScyllaDB/Cassandra cluster.
type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// NewScyllaSession opens a session with quorum consistency and exponential retries.
func NewScyllaSession(cfg ScyllaConfig) (*gocql.Session, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("presence: no scylla hosts")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, unavailable("presence.NewScyllaSession", err)
	}
	return session, nil
}

// ScyllaStore is a Store on ScyllaDB. Conditional writes use lightweight transactions.
//
// ScyllaStore does not own the session unless it was built by OpenScyllaStore.
type ScyllaStore struct {
	session *gocql.Session
	now     Clock
	table   string
	owned   bool
}

func NewScyllaStore(session *gocql.Session, opts ...Option) (*ScyllaStore, error) {
	if session == nil {
		return nil, errors.New("presence: nil scylla session")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &ScyllaStore{session: session, now: o.now, table: o.table}, nil
}

// OpenScyllaStore dials the cluster and returns a store that closes the session on Close.
func OpenScyllaStore(cfg ScyllaConfig, opts ...Option) (*ScyllaStore, error) {
	session, err := NewScyllaSession(cfg)
	if err != nil {
		return nil, err
	}
	st, err := NewScyllaStore(session, opts...)
	if err != nil {
		session.Close()
		return nil, err
	}
	st.owned = true
	return st, nil
}

func (s *ScyllaStore) Close() error {
	if s.owned {
		s.session.Close()
	}
	return nil
}

func (s *ScyllaStore) Ping(ctx context.Context) error {
	if err := s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec(); err != nil {
		return unavailable("presence.Ping", err)
	}
	return nil
}

func (s *ScyllaStore) Migrate(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		user_id       text PRIMARY KEY,
		status        text,
		custom_status text,
		last_seen_at  timestamp,
		updated_at    timestamp
	)`
	if err := s.session.Query(q).WithContext(ctx).Exec(); err != nil {
		return unavailable("presence.Migrate", err)
	}
	return nil
}

const cqlColumns = `user_id, status, custom_status, last_seen_at, updated_at`

func (s *ScyllaStore) SetStatus(ctx context.Context, userID string, status Status, customStatus *string) (Record, error) {
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

	now := s.now()
	if err := s.ensureDefault(ctx, op, userID, now); err != nil {
		return Record{}, err
	}
	if customStatus != nil {
		return s.casUpdate(ctx, op, userID,
			`UPDATE `+s.table+` SET status = ?, custom_status = ?, last_seen_at = ?, updated_at = ? WHERE user_id = ? IF EXISTS`,
			string(status), *customStatus, now, now, userID)
	}
	return s.casUpdate(ctx, op, userID,
		`UPDATE `+s.table+` SET status = ?, last_seen_at = ?, updated_at = ? WHERE user_id = ? IF EXISTS`,
		string(status), now, now, userID)
}

func (s *ScyllaStore) SetCustomStatus(ctx context.Context, userID, customStatus string) (Record, error) {
	const op = "presence.SetCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if err := validateCustomStatus(op, customStatus); err != nil {
		return Record{}, err
	}

	now := s.now()
	if err := s.ensureDefault(ctx, op, userID, now); err != nil {
		return Record{}, err
	}
	return s.casUpdate(ctx, op, userID,
		`UPDATE `+s.table+` SET custom_status = ?, last_seen_at = ?, updated_at = ? WHERE user_id = ? IF EXISTS`,
		customStatus, now, now, userID)
}

// casUpdate runs a conditional write so it is serialized with the LWT demotion
// in DemoteIdle. Plain writes carry client timestamps and may lose to it.
func (s *ScyllaStore) casUpdate(ctx context.Context, op, userID, stmt string, args ...any) (Record, error) {
	applied, err := s.session.Query(stmt, args...).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return Record{}, unavailable(op, err)
	}
	if !applied {
		return Record{}, notFound(op, userID)
	}
	return s.read(ctx, op, userID)
}

func (s *ScyllaStore) ClearCustomStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.ClearCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	applied, err := s.session.Query(
		`UPDATE `+s.table+` SET custom_status = null, updated_at = ? WHERE user_id = ? IF EXISTS`,
		s.now(), userID,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return Record{}, unavailable(op, err)
	}
	if !applied {
		return Record{}, notFound(op, userID)
	}
	return s.read(ctx, op, userID)
}

func (s *ScyllaStore) GetStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.GetStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	rec, err := s.read(ctx, op, userID)
	if !IsNotFound(err) {
		return rec, err
	}
	if err := s.ensureDefault(ctx, op, userID, s.now()); err != nil {
		return Record{}, err
	}
	return s.read(ctx, op, userID)
}

func (s *ScyllaStore) GetMultiple(ctx context.Context, userIDs []string) ([]Record, error) {
	const op = "presence.GetMultiple"
	if len(userIDs) == 0 {
		return []Record{}, nil
	}
	found, err := s.readMany(ctx, op, uniqueIDs(userIDs))
	if err != nil {
		return nil, err
	}
	return orderByInput(userIDs, found, s.now()), nil
}

func (s *ScyllaStore) Heartbeat(ctx context.Context, userID string) (Record, error) {
	const op = "presence.Heartbeat"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}

	applied, err := s.session.Query(
		`UPDATE `+s.table+` SET last_seen_at = ? WHERE user_id = ? IF EXISTS`,
		s.now(), userID,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return Record{}, unavailable(op, err)
	}
	if !applied {
		return Record{}, notFound(op, userID)
	}
	return s.read(ctx, op, userID)
}

func (s *ScyllaStore) ListActive(ctx context.Context, candidates []string) ([]Record, error) {
	const op = "presence.ListActive"
	if len(candidates) == 0 {
		return []Record{}, nil
	}
	found, err := s.readMany(ctx, op, uniqueIDs(candidates))
	if err != nil {
		return nil, err
	}
	return activeInOrder(candidates, found), nil
}

// DemoteIdle scans the table (there is no secondary index on status) and issues one
// LWT per candidate. Per-row failures are collected and do not stop the scan.
func (s *ScyllaStore) DemoteIdle(ctx context.Context, from []Status, to Status, cutoff time.Time) ([]Record, error) {
	const op = "presence.DemoteIdle"
	if !to.Valid() {
		return nil, OpError{Op: op, Kind: ErrInvalidStatus, Msg: string(to)}
	}

	wanted := make(map[Status]struct{}, len(from))
	for _, st := range from {
		wanted[st] = struct{}{}
	}

	iter := s.session.Query(`SELECT ` + cqlColumns + ` FROM ` + s.table).WithContext(ctx).PageSize(500).Iter()

	var candidates []Record
	for {
		rec, ok := scanCQL(iter)
		if !ok {
			break
		}
		if _, hit := wanted[rec.Status]; hit && rec.LastSeenAt.Before(cutoff) {
			candidates = append(candidates, rec)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(op, err)
	}

	var (
		out  []Record
		errs []error
	)
	now := s.now()
	for _, rec := range candidates {
		applied, err := s.session.Query(
			`UPDATE `+s.table+` SET status = ?, updated_at = ? WHERE user_id = ? IF status = ? AND last_seen_at < ?`,
			string(to), now, rec.UserID, string(rec.Status), cutoff,
		).WithContext(ctx).MapScanCAS(map[string]any{})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.UserID, err))
			continue
		}
		if !applied {
			continue
		}
		rec.Status = to
		rec.UpdatedAt = now
		out = append(out, rec)
	}
	if len(errs) > 0 {
		return out, unavailable(op, errors.Join(errs...))
	}
	return out, nil
}

func (s *ScyllaStore) ensureDefault(ctx context.Context, op, userID string, now time.Time) error {
	if _, err := s.session.Query(
		`INSERT INTO `+s.table+` (`+cqlColumns+`) VALUES (?, ?, null, ?, ?) IF NOT EXISTS`,
		userID, string(StatusOffline), now, now,
	).WithContext(ctx).MapScanCAS(map[string]any{}); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *ScyllaStore) read(ctx context.Context, op, userID string) (Record, error) {
	iter := s.session.Query(`SELECT `+cqlColumns+` FROM `+s.table+` WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	rec, ok := scanCQL(iter)
	if err := iter.Close(); err != nil {
		return Record{}, unavailable(op, err)
	}
	if !ok {
		return Record{}, notFound(op, userID)
	}
	return rec, nil
}

func (s *ScyllaStore) readMany(ctx context.Context, op string, ids []string) (map[string]Record, error) {
	iter := s.session.Query(`SELECT `+cqlColumns+` FROM `+s.table+` WHERE user_id IN ?`, ids).WithContext(ctx).Iter()
	out := make(map[string]Record, len(ids))
	for {
		rec, ok := scanCQL(iter)
		if !ok {
			break
		}
		out[rec.UserID] = rec
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func scanCQL(iter *gocql.Iter) (Record, bool) {
	var (
		rec          Record
		status       string
		customStatus *string
	)
	if !iter.Scan(&rec.UserID, &status, &customStatus, &rec.LastSeenAt, &rec.UpdatedAt) {
		return Record{}, false
	}
	rec.Status = Status(status)
	if rec.Status == "" {
		// Rows created by a plain UPDATE before any status write.
		rec.Status = StatusOffline
	}
	rec.CustomStatus = customStatus
	rec.LastSeenAt = rec.LastSeenAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, true
}
