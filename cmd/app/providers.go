package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/ragserver/internal/domain/auth"
	"github.com/yanqian/ragserver/internal/domain/chat"
	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/domain/tools"
	"github.com/yanqian/ragserver/internal/infra/chatrepo"
	"github.com/yanqian/ragserver/internal/infra/chunker"
	"github.com/yanqian/ragserver/internal/infra/completion"
	"github.com/yanqian/ragserver/internal/infra/config"
	"github.com/yanqian/ragserver/internal/infra/embedder"
	"github.com/yanqian/ragserver/internal/infra/llm/chatgpt"
	"github.com/yanqian/ragserver/internal/infra/queue"
	"github.com/yanqian/ragserver/internal/infra/ragrepo"
	"github.com/yanqian/ragserver/internal/infra/settings"
	"github.com/yanqian/ragserver/internal/infra/storage"
	"github.com/yanqian/ragserver/internal/infra/userrepo"
	"github.com/yanqian/ragserver/internal/infra/vectorstore"
	httpiface "github.com/yanqian/ragserver/internal/interface/http"
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

func provideAuthConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Secret:           cfg.Auth.JWTSecret,
		TokenTTL:         cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL:  cfg.Auth.RefreshTokenTTL,
		MaxLoginFailures: cfg.Auth.MaxLoginFailures,
		LockoutDuration:  cfg.Auth.LockoutDuration,
		OIDC: auth.OIDCConfig{
			Enabled:              cfg.Auth.OIDC.Enabled,
			IssuerURL:            cfg.Auth.OIDC.IssuerURL,
			ClientID:             cfg.Auth.OIDC.ClientID,
			ClientSecret:         cfg.Auth.OIDC.ClientSecret,
			RedirectURL:          cfg.Auth.OIDC.RedirectURL,
			PostLoginRedirectURL: cfg.Auth.OIDC.PostLoginRedirectURL,
		},
	}
}

// providePostgresPool returns a shared pool, or nil to select the in-memory
// adapters.
func providePostgresPool(cfg *config.Config, logger *slog.Logger) *pgxpool.Pool {
	dsn := strings.TrimSpace(cfg.Postgres.DSN)
	if dsn == "" {
		logger.Info("postgres dsn not set, using in-memory repositories")
		return nil
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("invalid postgres dsn, using in-memory repositories", "error", err)
		return nil
	}
	if cfg.Postgres.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns > 0 {
		poolConfig.MinConns = cfg.Postgres.MinConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("failed to initialize postgres pool, using in-memory repositories", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres ping failed, using in-memory repositories", "error", err)
		pool.Close()
		return nil
	}
	logger.Info("postgres repositories enabled")
	return pool
}

// provideValkeyClient returns a shared client, or nil when not configured.
func provideValkeyClient(cfg *config.Config, logger *slog.Logger) valkey.Client {
	if !cfg.Valkey.Enabled || strings.TrimSpace(cfg.Valkey.Addr) == "" {
		return nil
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{cfg.Valkey.Addr}})
	if err != nil {
		logger.Error("failed to create valkey client, using in-process fallbacks", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		logger.Error("valkey ping failed, using in-process fallbacks", "error", err)
		return nil
	}
	logger.Info("valkey enabled", "addr", cfg.Valkey.Addr)
	return client
}

func provideUserRepository(pool *pgxpool.Pool) auth.Repository {
	if pool != nil {
		return userrepo.NewPostgresRepository(pool)
	}
	return userrepo.NewMemoryRepository()
}

func provideSessionRepository(pool *pgxpool.Pool) auth.SessionRepository {
	if pool != nil {
		return userrepo.NewPostgresSessionRepository(pool)
	}
	return userrepo.NewMemorySessionRepository()
}

func provideCollectionRepository(pool *pgxpool.Pool, mem *memoryRepos) rag.CollectionRepository {
	if pool != nil {
		return ragrepo.NewPostgresCollectionRepository(pool)
	}
	return mem.collections
}

func provideDocumentRepository(pool *pgxpool.Pool, mem *memoryRepos) rag.DocumentRepository {
	if pool != nil {
		return ragrepo.NewPostgresDocumentRepository(pool)
	}
	return mem.documents
}

func provideUploadRepository(pool *pgxpool.Pool, mem *memoryRepos) rag.UploadRepository {
	if pool != nil {
		return ragrepo.NewPostgresUploadRepository(pool)
	}
	return mem.uploads
}

func provideChunkRepository(pool *pgxpool.Pool, mem *memoryRepos) rag.ChunkRepository {
	if pool != nil {
		return ragrepo.NewPostgresChunkRepository(pool)
	}
	return mem.chunks
}

// memoryRepos keeps the in-memory adapters consistent with each other when
// Postgres is absent.
type memoryRepos struct {
	collections *ragrepo.MemoryCollectionRepository
	documents   *ragrepo.MemoryDocumentRepository
	uploads     *ragrepo.MemoryUploadRepository
	chunks      *ragrepo.MemoryChunkRepository
}

func provideMemoryRepos() *memoryRepos {
	documents := ragrepo.NewMemoryDocumentRepository()
	return &memoryRepos{
		collections: ragrepo.NewMemoryCollectionRepository(),
		documents:   documents,
		uploads:     ragrepo.NewMemoryUploadRepository(),
		chunks:      ragrepo.NewMemoryChunkRepository(documents),
	}
}

func provideConversationRepository(pool *pgxpool.Pool) chat.ConversationRepository {
	if pool != nil {
		return chatrepo.NewPostgresConversationRepository(pool)
	}
	return chatrepo.NewMemoryConversationRepository()
}

func provideMessageRepository(pool *pgxpool.Pool) chat.MessageRepository {
	if pool != nil {
		return chatrepo.NewPostgresMessageRepository(pool)
	}
	return chatrepo.NewMemoryMessageRepository()
}

func provideVectorStore(pool *pgxpool.Pool) rag.VectorStore {
	if pool != nil {
		return vectorstore.NewPostgresStore(pool)
	}
	return vectorstore.NewMemoryStore()
}

func provideObjectStorage(cfg *config.Config, logger *slog.Logger) rag.ObjectStorage {
	endpoint := strings.TrimSpace(cfg.Storage.Endpoint)
	accessKey := strings.TrimSpace(cfg.Storage.AccessKey)
	secretKey := strings.TrimSpace(cfg.Storage.SecretKey)
	bucket := strings.TrimSpace(cfg.Storage.Bucket)
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		logger.Info("object storage not fully configured, using memory storage")
		return storage.NewMemoryStorage()
	}
	s3, err := storage.NewMinioStorage(endpoint, accessKey, secretKey, bucket, cfg.Storage.Region, logger)
	if err != nil {
		logger.Error("failed to initialize object storage, using memory storage", "error", err)
		return storage.NewMemoryStorage()
	}
	return s3
}

func provideJobQueue(cfg *config.Config, client valkey.Client, logger *slog.Logger) queue.HandlerQueue {
	if client != nil {
		return queue.NewValkeyQueue(client, "ingest:jobs", cfg.Ingest.QueueCapacity, logger)
	}
	return queue.NewChannelQueue(cfg.Ingest.QueueCapacity, logger)
}

func provideOverrideStore(client valkey.Client) settings.OverrideStore {
	if client != nil {
		return settings.NewValkeyStore(client, "settings:overrides")
	}
	return settings.NewMemoryStore()
}

func provideSettingsResolverFromStore(cfg *config.Config, store settings.OverrideStore, logger *slog.Logger) *settings.Resolver {
	return settings.NewResolver(settings.FromConfig(cfg), store, 60*time.Second, logger)
}

// provideChatGPTClient returns nil when no API key is configured; callers
// fall back to offline adapters.
func provideChatGPTClient(cfg *config.Config) (*chatgpt.Client, error) {
	if strings.TrimSpace(cfg.Model.APIKey) == "" {
		return nil, nil
	}
	return chatgpt.NewClient(cfg.Model.APIKey, cfg.Model.BaseURL)
}

func provideEmbedder(cfg *config.Config, client *chatgpt.Client, logger *slog.Logger) rag.Embedder {
	if strings.TrimSpace(cfg.Model.APIKey) == "" || client == nil {
		logger.Info("llm api key not set, using deterministic embedder")
		return embedder.NewDeterministicEmbedder(cfg.Model.EmbeddingDim)
	}
	return embedder.NewChatGPTEmbedder(client, cfg.Model.EmbeddingModel, logger)
}

func provideCompletionProvider(cfg *config.Config, client *chatgpt.Client, logger *slog.Logger) chat.CompletionProvider {
	if client == nil {
		logger.Warn("llm api key not set, chat completions disabled")
		return completion.NewUnavailableProvider()
	}
	// Secondary backend routing stays behind its flag until the deployment
	// wires a real alternate endpoint.
	if cfg.Model.SecondaryEnabled && strings.TrimSpace(cfg.Model.SecondaryBaseURL) != "" {
		secondary, err := chatgpt.NewClient(cfg.Model.APIKey, cfg.Model.SecondaryBaseURL)
		if err == nil {
			logger.Info("secondary completion backend enabled", "base_url", cfg.Model.SecondaryBaseURL)
			return completion.NewChatGPTProvider(secondary, cfg.Model.IdleTimeout, logger)
		}
		logger.Error("secondary completion backend misconfigured, using primary", "error", err)
	}
	return completion.NewChatGPTProvider(client, cfg.Model.IdleTimeout, logger)
}

func provideTokenCounter() *tokenizer.Counter {
	return tokenizer.NewCounter()
}

func provideChunker(cfg *config.Config, counter *tokenizer.Counter) rag.Chunker {
	return chunker.NewSplitter(cfg.Chunking.TargetChars, cfg.Chunking.OverlapChars, cfg.Chunking.MinChars, counter)
}

func provideToolRegistry(logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func provideProgressBroker() *rag.ProgressBroker {
	return rag.NewProgressBroker()
}

func provideRagServiceConfig(cfg *config.Config) rag.ServiceConfig {
	return rag.ServiceConfig{
		MaxFileBytes: int64(cfg.Upload.MaxFileMB) * 1024 * 1024,
		UploadTTL:    cfg.Upload.TTL,
	}
}

func provideWorkerConfig(cfg *config.Config) rag.WorkerConfig {
	return rag.WorkerConfig{
		MaxRetries:  cfg.Ingest.MaxRetries,
		BackoffBase: cfg.Ingest.BackoffBase,
		BackoffCap:  cfg.Ingest.BackoffCap,
	}
}

func provideOrchestratorConfig(cfg *config.Config) chat.OrchestratorConfig {
	return chat.OrchestratorConfig{
		Temperature: cfg.Model.Temperature,
	}
}

func provideRetriever(emb rag.Embedder, vectors rag.VectorStore, chunks rag.ChunkRepository, documents rag.DocumentRepository, counter *tokenizer.Counter, logger *slog.Logger) *rag.Retriever {
	return rag.NewRetriever(emb, vectors, chunks, documents, counter, logger)
}

func provideOrchestrator(cfg chat.OrchestratorConfig, conversations chat.ConversationRepository, messages chat.MessageRepository, provider chat.CompletionProvider, registry *tools.Registry, retriever *rag.Retriever, counter *tokenizer.Counter, logger *slog.Logger) *chat.Orchestrator {
	return chat.NewOrchestrator(cfg, conversations, messages, provider, registry, retriever, counter, logger)
}

func provideHealthChecker(pool *pgxpool.Pool, client *chatgpt.Client) *httpiface.HealthChecker {
	pingers := []httpiface.Pinger{
		{
			Name: "transactional_store",
			Check: func(ctx context.Context) error {
				if pool == nil {
					return nil
				}
				return pool.Ping(ctx)
			},
		},
		{
			Name: "vector_store",
			Check: func(ctx context.Context) error {
				if pool == nil {
					return nil
				}
				return pool.Ping(ctx)
			},
		},
		{
			Name: "completion_provider",
			Check: func(ctx context.Context) error {
				if client == nil {
					return nil
				}
				return client.Ping(ctx)
			},
		},
	}
	return httpiface.NewHealthChecker(30*time.Second, pingers...)
}
