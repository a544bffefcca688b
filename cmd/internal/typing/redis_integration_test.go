package typing

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Runs only when HERALD_TEST_REDIS_URL is set (e.g. redis://localhost:6379/15).
func TestRedisIndex_Integration(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("HERALD_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("HERALD_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	prefix := "typing_test_" + strconv.FormatInt(time.Now().UnixNano(), 36)

	idx, err := OpenRedisIndex(ctx, url, WithRedisTTL(500*time.Millisecond), WithKeyPrefix(prefix))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	require.NoError(t, idx.Start(ctx, "u", "k"))
	require.NoError(t, idx.Start(ctx, "u", "k"))
	require.NoError(t, idx.Start(ctx, "v", "k"))

	got, err := idx.List(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []string{"u", "v"}, got)

	require.NoError(t, idx.Stop(ctx, "v", "k"))
	got, err = idx.List(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []string{"u"}, got)

	// Let the marker expire while the set key is kept alive by another member.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, idx.Start(ctx, "w", "k"))
	time.Sleep(300 * time.Millisecond)

	got, err = idx.List(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []string{"w"}, got)

	members, err := idx.rdb.SMembers(ctx, idx.setKey("k")).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"w"}, members, "stale member must be removed from the set")
}
