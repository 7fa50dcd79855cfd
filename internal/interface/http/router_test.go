package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/ragserver/internal/domain/auth"
	"github.com/yanqian/ragserver/internal/domain/chat"
	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/domain/tools"
	"github.com/yanqian/ragserver/internal/infra/chatrepo"
	"github.com/yanqian/ragserver/internal/infra/completion"
	"github.com/yanqian/ragserver/internal/infra/config"
	"github.com/yanqian/ragserver/internal/infra/embedder"
	"github.com/yanqian/ragserver/internal/infra/queue"
	"github.com/yanqian/ragserver/internal/infra/ragrepo"
	"github.com/yanqian/ragserver/internal/infra/settings"
	"github.com/yanqian/ragserver/internal/infra/storage"
	"github.com/yanqian/ragserver/internal/infra/userrepo"
	"github.com/yanqian/ragserver/internal/infra/vectorstore"
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *http.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{}
	cfg.HTTP.Address = ":0"
	cfg.HTTP.RateLimits = config.RateLimitConfig{Enabled: true, Standard: 1000, Chat: 1000, Upload: 1000, Admin: 1000}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AccessTokenTTL = time.Hour
	cfg.Auth.RefreshTokenTTL = 24 * time.Hour
	cfg.Auth.TokenCacheTTL = time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	authSvc := auth.NewService(auth.Config{
		Secret:          cfg.Auth.JWTSecret,
		TokenTTL:        cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
	}, userrepo.NewMemoryRepository(), userrepo.NewMemorySessionRepository(), logger)

	conversations := chatrepo.NewMemoryConversationRepository()
	messages := chatrepo.NewMemoryMessageRepository()
	chatSvc := chat.NewChatService(conversations, messages, logger)

	documents := ragrepo.NewMemoryDocumentRepository()
	chunks := ragrepo.NewMemoryChunkRepository(documents)
	vectors := vectorstore.NewMemoryStore()
	blobs := storage.NewMemoryStorage()
	jobs := queue.NewChannelQueue(8, logger)
	counter := tokenizer.NewCounter()
	emb := embedder.NewDeterministicEmbedder(16)
	ragSvc := rag.NewService(rag.ServiceConfig{MaxFileBytes: 1 << 20, UploadTTL: 24 * time.Hour},
		ragrepo.NewMemoryCollectionRepository(), documents, ragrepo.NewMemoryUploadRepository(),
		chunks, vectors, blobs, jobs, logger)
	retriever := rag.NewRetriever(emb, vectors, chunks, documents, counter, logger)
	broker := rag.NewProgressBroker()

	registry := tools.NewRegistry(logger)
	require.NoError(t, tools.RegisterBuiltins(registry))

	orch := chat.NewOrchestrator(chat.OrchestratorConfig{}, conversations, messages,
		completion.NewUnavailableProvider(), registry, retriever, counter, logger)

	overrides := settings.NewMemoryStore()
	resolver := settings.NewResolver(settings.FromConfig(cfg), overrides, time.Minute, logger)
	health := NewHealthChecker(30 * time.Second)
	handler := NewHandler(authSvc, chatSvc, orch, ragSvc, retriever, broker, registry, resolver, overrides, health, logger)
	return NewRouter(cfg, handler)
}

func doJSON(t *testing.T, server *http.Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthLive(t *testing.T) {
	server := newTestServer(t, nil)
	resp := doJSON(t, server, http.MethodGet, "/api/health/live", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthReady(t *testing.T) {
	server := newTestServer(t, nil)
	resp := doJSON(t, server, http.MethodGet, "/api/health/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestUnauthenticatedRequestGetsEnvelope(t *testing.T) {
	server := newTestServer(t, nil)
	resp := doJSON(t, server, http.MethodGet, "/api/chat/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	var body struct {
		Error struct {
			Type      string `json:"type"`
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
			Timestamp string `json:"timestamp"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "unauthorized", body.Error.Code)
	require.NotEmpty(t, body.Error.RequestID)
	require.NotEmpty(t, body.Error.Timestamp)
	require.NotEmpty(t, body.Error.Message)
	require.Equal(t, body.Error.RequestID, resp.Header().Get("X-Request-Id"))
}

func registerAndLogin(t *testing.T, server *http.Server) string {
	t.Helper()
	resp := doJSON(t, server, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "tester@example.com",
		"password": "pass1234",
		"nickname": "tester",
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = doJSON(t, server, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "tester@example.com",
		"password": "pass1234",
	})
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func TestAuthenticatedConversationFlow(t *testing.T) {
	server := newTestServer(t, nil)
	token := registerAndLogin(t, server)

	resp := doJSON(t, server, http.MethodPost, "/api/chat/conversations", token, map[string]string{
		"title": "my thread",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &conv))
	require.NotEmpty(t, conv.ID)

	resp = doJSON(t, server, http.MethodGet, "/api/chat/conversations", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var listing struct {
		Conversations []map[string]any `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listing))
	require.Len(t, listing.Conversations, 1)

	resp = doJSON(t, server, http.MethodDelete, "/api/chat/conversations/"+conv.ID, token, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doJSON(t, server, http.MethodGet, "/api/chat/conversations", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listing))
	require.Empty(t, listing.Conversations)
}

func TestCollectionEndpointsRoundTrip(t *testing.T) {
	server := newTestServer(t, nil)
	token := registerAndLogin(t, server)

	resp := doJSON(t, server, http.MethodPost, "/api/rag/collections", token, map[string]any{
		"name": "research",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var col struct {
		ID      string `json:"id"`
		Path    string `json:"path"`
		Version int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &col))
	require.Equal(t, "research", col.Path)

	// Optimistic concurrency surfaces as 409 on a stale version.
	resp = doJSON(t, server, http.MethodPatch, "/api/rag/collections/"+col.ID, token, map[string]any{
		"name":            "renamed",
		"expectedVersion": col.Version,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, server, http.MethodPatch, "/api/rag/collections/"+col.ID, token, map[string]any{
		"name":            "again",
		"expectedVersion": col.Version, // stale
	})
	require.Equal(t, http.StatusConflict, resp.Code)
}

func TestRateLimitEnforcedPerRouteClass(t *testing.T) {
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.HTTP.RateLimits.Standard = 2
	})
	token := registerAndLogin(t, server)

	var lastCode int
	for i := 0; i < 6; i++ {
		resp := doJSON(t, server, http.MethodGet, "/api/chat/conversations", token, nil)
		lastCode = resp.Code
		if lastCode == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestToolListingRequiresAdmin(t *testing.T) {
	server := newTestServer(t, nil)
	token := registerAndLogin(t, server)
	resp := doJSON(t, server, http.MethodGet, "/api/mcp/tools", token, nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
}
