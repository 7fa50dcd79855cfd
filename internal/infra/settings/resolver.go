package settings

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/yanqian/ragserver/internal/infra/config"
)

// Snapshot is the resolved view of every admin-tunable setting.
type Snapshot struct {
	ModelDefaultName         string
	ModelContextWindow       int
	RetrievalDefaultK        int
	RetrievalThreshold       float64
	ReservedCompletionTokens int
	ChunkingTargetChars      int
	ChunkingOverlapChars     int
	IngestMaxRetries         int
	IngestBackoffBase        time.Duration
	AccessTokenTTL           time.Duration
	RefreshTokenTTL          time.Duration
	RateLimitStandard        int
	RateLimitChat            int
	RateLimitUpload          int
	RateLimitAdmin           int
}

// OverrideStore persists admin-set overrides keyed by setting name.
type OverrideStore interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Resolver layers runtime overrides over file defaults over hard-coded defaults.
// Overrides are re-read at most once per TTL; stale reads within the TTL are the
// documented propagation window.
type Resolver struct {
	base   Snapshot
	store  OverrideStore
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	cached    Snapshot
	fetchedAt time.Time
}

// FromConfig derives the base snapshot from file/env configuration.
func FromConfig(cfg *config.Config) Snapshot {
	return Snapshot{
		ModelDefaultName:         cfg.Model.DefaultName,
		ModelContextWindow:       cfg.Model.ContextWindow,
		RetrievalDefaultK:        cfg.Retrieval.DefaultK,
		RetrievalThreshold:       cfg.Retrieval.SimilarityThreshold,
		ReservedCompletionTokens: cfg.Retrieval.ReservedCompletionTokens,
		ChunkingTargetChars:      cfg.Chunking.TargetChars,
		ChunkingOverlapChars:     cfg.Chunking.OverlapChars,
		IngestMaxRetries:         cfg.Ingest.MaxRetries,
		IngestBackoffBase:        cfg.Ingest.BackoffBase,
		AccessTokenTTL:           cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL:          cfg.Auth.RefreshTokenTTL,
		RateLimitStandard:        cfg.HTTP.RateLimits.Standard,
		RateLimitChat:            cfg.HTTP.RateLimits.Chat,
		RateLimitUpload:          cfg.HTTP.RateLimits.Upload,
		RateLimitAdmin:           cfg.HTTP.RateLimits.Admin,
	}
}

// NewResolver constructs a resolver. A nil store disables the override layer.
func NewResolver(base Snapshot, store OverrideStore, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	return &Resolver{
		base:   base,
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "settings.resolver"),
		cached: base,
	}
}

// Current returns the effective snapshot, refreshing overrides when stale.
func (r *Resolver) Current(ctx context.Context) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return r.base
	}
	if time.Since(r.fetchedAt) < r.ttl {
		return r.cached
	}
	overrides, err := r.store.All(ctx)
	if err != nil {
		r.logger.Warn("override fetch failed, serving cached settings", "error", err)
		r.fetchedAt = time.Now()
		return r.cached
	}
	r.cached = applyOverrides(r.base, overrides)
	r.fetchedAt = time.Now()
	return r.cached
}

func applyOverrides(base Snapshot, overrides map[string]string) Snapshot {
	out := base
	for key, raw := range overrides {
		switch key {
		case "model.default_name":
			out.ModelDefaultName = raw
		case "model.context_window":
			setIntValue(&out.ModelContextWindow, raw)
		case "retrieval.default_k":
			setIntValue(&out.RetrievalDefaultK, raw)
		case "retrieval.similarity_threshold":
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				out.RetrievalThreshold = v
			}
		case "retrieval.reserved_completion_tokens":
			setIntValue(&out.ReservedCompletionTokens, raw)
		case "chunking.target_chars":
			setIntValue(&out.ChunkingTargetChars, raw)
		case "chunking.overlap_chars":
			setIntValue(&out.ChunkingOverlapChars, raw)
		case "ingest.max_retries":
			setIntValue(&out.IngestMaxRetries, raw)
		case "ingest.backoff_base_ms":
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				out.IngestBackoffBase = time.Duration(v) * time.Millisecond
			}
		case "auth.access_token_ttl":
			setDurationValue(&out.AccessTokenTTL, raw)
		case "auth.refresh_token_ttl":
			setDurationValue(&out.RefreshTokenTTL, raw)
		case "rate_limits.standard":
			setIntValue(&out.RateLimitStandard, raw)
		case "rate_limits.chat":
			setIntValue(&out.RateLimitChat, raw)
		case "rate_limits.upload":
			setIntValue(&out.RateLimitUpload, raw)
		case "rate_limits.admin":
			setIntValue(&out.RateLimitAdmin, raw)
		}
	}
	return out
}

func setIntValue(dst *int, raw string) {
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		*dst = v
	}
}

func setDurationValue(dst *time.Duration, raw string) {
	if v, err := time.ParseDuration(raw); err == nil && v > 0 {
		*dst = v
	}
}
