package settings

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseSnapshot() Snapshot {
	return Snapshot{
		ModelDefaultName:         "gpt-4o-mini",
		ModelContextWindow:       128000,
		RetrievalDefaultK:        5,
		RetrievalThreshold:       0.0,
		ReservedCompletionTokens: 1024,
		ChunkingTargetChars:      1000,
		ChunkingOverlapChars:     200,
		IngestMaxRetries:         5,
		IngestBackoffBase:        time.Second,
		AccessTokenTTL:           time.Hour,
		RefreshTokenTTL:          30 * 24 * time.Hour,
		RateLimitStandard:        100,
		RateLimitChat:            20,
		RateLimitUpload:          10,
		RateLimitAdmin:           50,
	}
}

func TestResolverWithoutStoreReturnsBase(t *testing.T) {
	r := NewResolver(baseSnapshot(), nil, time.Minute, newTestLogger())
	got := r.Current(context.Background())
	require.Equal(t, baseSnapshot(), got)
}

func TestResolverAppliesOverrides(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "model.default_name", "gpt-4o"))
	require.NoError(t, store.Set(ctx, "retrieval.default_k", "8"))
	require.NoError(t, store.Set(ctx, "ingest.backoff_base_ms", "250"))
	require.NoError(t, store.Set(ctx, "rate_limits.chat", "40"))

	r := NewResolver(baseSnapshot(), store, time.Minute, newTestLogger())
	got := r.Current(ctx)
	require.Equal(t, "gpt-4o", got.ModelDefaultName)
	require.Equal(t, 8, got.RetrievalDefaultK)
	require.Equal(t, 250*time.Millisecond, got.IngestBackoffBase)
	require.Equal(t, 40, got.RateLimitChat)
	// Untouched keys keep their base values.
	require.Equal(t, 1000, got.ChunkingTargetChars)
}

func TestResolverIgnoresMalformedOverrides(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "retrieval.default_k", "not-a-number"))
	require.NoError(t, store.Set(ctx, "auth.access_token_ttl", "-5m"))

	r := NewResolver(baseSnapshot(), store, time.Minute, newTestLogger())
	got := r.Current(ctx)
	require.Equal(t, 5, got.RetrievalDefaultK)
	require.Equal(t, time.Hour, got.AccessTokenTTL)
}

func TestResolverCachesWithinTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	r := NewResolver(baseSnapshot(), store, time.Minute, newTestLogger())

	first := r.Current(ctx)
	require.Equal(t, "gpt-4o-mini", first.ModelDefaultName)

	// A write inside the TTL window is not visible yet.
	require.NoError(t, store.Set(ctx, "model.default_name", "overridden"))
	second := r.Current(ctx)
	require.Equal(t, "gpt-4o-mini", second.ModelDefaultName)
}

func TestResolverClampsTTL(t *testing.T) {
	r := NewResolver(baseSnapshot(), NewMemoryStore(), 5*time.Minute, newTestLogger())
	require.LessOrEqual(t, r.ttl, 60*time.Second)
}
