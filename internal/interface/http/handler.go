package http

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/ragserver/internal/domain/auth"
	"github.com/yanqian/ragserver/internal/domain/chat"
	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/domain/tools"
	"github.com/yanqian/ragserver/internal/infra/settings"
)

// Handler wires the HTTP transport to domain services.
type Handler struct {
	authSvc      auth.Service
	chatSvc      *chat.Service
	orchestrator *chat.Orchestrator
	ragSvc       *rag.Service
	retriever    *rag.Retriever
	progress     *rag.ProgressBroker
	registry     *tools.Registry
	resolver     *settings.Resolver
	overrides    settings.OverrideStore
	health       *HealthChecker
	logger       *slog.Logger
}

// NewHandler constructs the root HTTP handler.
func NewHandler(authSvc auth.Service, chatSvc *chat.Service, orchestrator *chat.Orchestrator, ragSvc *rag.Service, retriever *rag.Retriever, progress *rag.ProgressBroker, registry *tools.Registry, resolver *settings.Resolver, overrides settings.OverrideStore, health *HealthChecker, logger *slog.Logger) *Handler {
	return &Handler{
		authSvc:      authSvc,
		chatSvc:      chatSvc,
		orchestrator: orchestrator,
		ragSvc:       ragSvc,
		retriever:    retriever,
		progress:     progress,
		registry:     registry,
		resolver:     resolver,
		overrides:    overrides,
		health:       health,
		logger:       logger.With("component", "http.handler"),
	}
}

// Register handles account creation.
func (h *Handler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	user, err := h.authSvc.Register(c.Request.Context(), req)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// Login exchanges credentials for a token pair.
func (h *Handler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	req.ClientIP = c.ClientIP()
	resp, err := h.authSvc.Login(c.Request.Context(), req)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Refresh rotates the token pair and revokes the presented refresh token.
func (h *Handler) Refresh(c *gin.Context) {
	var req auth.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	resp, err := h.authSvc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logout revokes the presented refresh token (or every session).
func (h *Handler) Logout(c *gin.Context) {
	claims, ok := getClaims(c)
	if !ok {
		abortWithError(c, NewHTTPError(http.StatusUnauthorized, "unauthorized", "missing token", nil))
		return
	}
	var req auth.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	if err := h.authSvc.Logout(c.Request.Context(), claims.UserID, req); err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Profile returns the authenticated user's view.
func (h *Handler) Profile(c *gin.Context) {
	claims, ok := getClaims(c)
	if !ok {
		abortWithError(c, NewHTTPError(http.StatusUnauthorized, "unauthorized", "missing token", nil))
		return
	}
	user, err := h.authSvc.Profile(c.Request.Context(), claims.UserID)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// OIDCLogin starts the external-issuer flow with PKCE.
func (h *Handler) OIDCLogin(c *gin.Context) {
	state, err := randomURLToken()
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "oauth_error", "failed to create state", err))
		return
	}
	verifier, err := randomURLToken()
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "oauth_error", "failed to create verifier", err))
		return
	}
	challenge := s256Challenge(verifier)
	url, err := h.authSvc.OIDCAuthURL(c.Request.Context(), state, challenge)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	setOAuthStateCookie(c, state, verifier)
	c.Redirect(http.StatusFound, url)
}

// OIDCCallback finishes the flow and returns tokens.
func (h *Handler) OIDCCallback(c *gin.Context) {
	cookie, ok := readOAuthStateCookie(c)
	clearOAuthStateCookie(c)
	if !ok || cookie.State != c.Query("state") {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_state", "oauth state mismatch", nil))
		return
	}
	resp, err := h.authSvc.OIDCCallback(c.Request.Context(), c.Query("code"), cookie.CodeVerifier)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetSettings returns the effective runtime settings snapshot.
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.resolver.Current(c.Request.Context()))
}

// UpdateSettings writes admin overrides into the KV layer. Changes propagate
// to every node within the resolver TTL.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	for key, value := range req {
		if value == "" {
			if err := h.overrides.Delete(c.Request.Context(), key); err != nil {
				abortWithDomainError(c, err)
				return
			}
			continue
		}
		if err := h.overrides.Set(c.Request.Context(), key, value); err != nil {
			abortWithDomainError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "overrides stored", "propagation": "within 60s"})
}

// ListTools exposes the MCP registry to admins.

func (h *Handler) ListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.registry.List()})
}

func randomURLToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
