package typing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndex shares typing state across processes.
//
// Layout:
//   - typing:conv:<conversationId>              SET of user ids
//   - typing:conv:<conversationId>:user:<userId> marker with PX ttl
//
// The set itself also carries the TTL (refreshed on every Start) so an
// abandoned conversation does not leak a key.
type RedisIndex struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	owned  bool
}

type RedisOption func(*RedisIndex)

func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *RedisIndex) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithKeyPrefix namespaces keys (default "typing").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisIndex) {
		if p := strings.TrimSpace(prefix); p != "" {
			r.prefix = p
		}
	}
}

// NewRedisIndex wraps an existing client. The caller keeps ownership of rdb.
func NewRedisIndex(rdb redis.UniversalClient, opts ...RedisOption) *RedisIndex {
	r := &RedisIndex{rdb: rdb, ttl: DefaultTTL, prefix: "typing"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenRedisIndex parses a redis:// URL, verifies connectivity and owns the client.
func OpenRedisIndex(ctx context.Context, url string, opts ...RedisOption) (*RedisIndex, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("typing: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("typing: redis ping: %w", err)
	}
	r := NewRedisIndex(rdb, opts...)
	r.owned = true
	return r, nil
}

// pruneScript removes a member only if its marker is still absent, so a Start
// that lands between EXISTS and the prune is not undone.
var pruneScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return redis.call('SREM', KEYS[1], ARGV[1])
end
return 0
`)

func (r *RedisIndex) setKey(conversationID string) string {
	return r.prefix + ":conv:" + conversationID
}

func (r *RedisIndex) markerKey(conversationID, userID string) string {
	return r.prefix + ":conv:" + conversationID + ":user:" + userID
}

func (r *RedisIndex) Start(ctx context.Context, userID, conversationID string) error {
	if err := validate(userID, conversationID); err != nil {
		return err
	}
	setKey := r.setKey(conversationID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, setKey, userID)
		p.Set(ctx, r.markerKey(conversationID, userID), 1, r.ttl)
		p.PExpire(ctx, setKey, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("typing: start: %w", err)
	}
	return nil
}

func (r *RedisIndex) Stop(ctx context.Context, userID, conversationID string) error {
	if err := validate(userID, conversationID); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.setKey(conversationID), userID)
		p.Del(ctx, r.markerKey(conversationID, userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("typing: stop: %w", err)
	}
	return nil
}

func (r *RedisIndex) List(ctx context.Context, conversationID string) ([]string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrInvalidInput
	}
	setKey := r.setKey(conversationID)

	members, err := r.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("typing: list members: %w", err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	pipe := r.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, userID := range members {
		checks[i] = pipe.Exists(ctx, r.markerKey(conversationID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("typing: list markers: %w", err)
	}

	live := make([]string, 0, len(members))
	var stale []string
	for i, userID := range members {
		if checks[i].Val() > 0 {
			live = append(live, userID)
			continue
		}
		stale = append(stale, userID)
	}

	if len(stale) > 0 {
		prune := r.rdb.Pipeline()
		for _, userID := range stale {
			pruneScript.Eval(ctx, prune, []string{setKey, r.markerKey(conversationID, userID)}, userID)
		}
		if _, err := prune.Exec(ctx); err != nil {
			return nil, fmt.Errorf("typing: prune: %w", err)
		}
	}

	slices.Sort(live)
	return live, nil
}

func (r *RedisIndex) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
