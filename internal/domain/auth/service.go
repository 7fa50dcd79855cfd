package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// Service exposes authentication workflows.
type Service interface {
	Register(ctx context.Context, req RegisterRequest) (UserView, error)
	Login(ctx context.Context, req LoginRequest) (LoginResponse, error)
	ValidateToken(ctx context.Context, token string) (Claims, error)
	Refresh(ctx context.Context, refreshToken string) (LoginResponse, error)
	Logout(ctx context.Context, userID int64, req LogoutRequest) error
	Profile(ctx context.Context, userID int64) (UserView, error)
	OIDCAuthURL(ctx context.Context, state, codeChallenge string) (string, error)
	OIDCCallback(ctx context.Context, code, codeVerifier string) (LoginResponse, error)
}

type service struct {
	cfg      Config
	repo     Repository
	sessions SessionRepository
	lockout  *failureTracker
	ipguard  *failureTracker
	logger   *slog.Logger
}

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// NewService constructs a Service instance.
func NewService(cfg Config, repo Repository, sessions SessionRepository, logger *slog.Logger) Service {
	return &service{
		cfg:      cfg,
		repo:     repo,
		sessions: sessions,
		lockout:  newFailureTracker(cfg.MaxLoginFailures, cfg.LockoutDuration),
		ipguard:  newFailureTracker(cfg.MaxLoginFailures*4, cfg.LockoutDuration),
		logger:   logger.With("component", "auth.service"),
	}
}

func (s *service) Register(ctx context.Context, req RegisterRequest) (UserView, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return UserView{}, apperrors.Wrap(apperrors.KindValidation, "invalid_email", "invalid email address", err)
	}
	nickname, err := normalizeNickname(req.Nickname)
	if err != nil {
		return UserView{}, apperrors.Wrap(apperrors.KindValidation, "invalid_nickname", err.Error(), nil)
	}
	if err := validatePassword(req.Password); err != nil {
		return UserView{}, apperrors.Wrap(apperrors.KindValidation, "weak_password", err.Error(), nil)
	}
	_, exists, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return UserView{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to check user", err)
	}
	if exists {
		return UserView{}, apperrors.New(apperrors.KindConflict, "email_exists", "email already registered")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return UserView{}, apperrors.Wrap(apperrors.KindInternal, "auth_error", "failed to hash password", err)
	}
	user, err := s.repo.Create(ctx, email, nickname, string(hashed), []string{RoleUser})
	if err != nil {
		if errors.Is(err, ErrEmailExists) {
			return UserView{}, apperrors.New(apperrors.KindConflict, "email_exists", "email already registered")
		}
		return UserView{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to create user", err)
	}
	return toView(user), nil
}

func (s *service) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindValidation, "invalid_email", "invalid email address", err)
	}
	if strings.TrimSpace(req.Password) == "" {
		return LoginResponse{}, apperrors.New(apperrors.KindValidation, "invalid_credentials", "password cannot be empty")
	}
	if locked, remaining := s.lockout.locked(email); locked {
		return LoginResponse{}, apperrors.New(apperrors.KindRateLimited, "account_locked",
			fmt.Sprintf("account temporarily locked, retry in %s", remaining.Round(time.Second))).
			WithSuggestions("wait for the lockout window to pass", "reset your password")
	}
	if req.ClientIP != "" {
		if locked, _ := s.ipguard.locked(req.ClientIP); locked {
			return LoginResponse{}, apperrors.New(apperrors.KindRateLimited, "too_many_attempts", "too many failed attempts from this address")
		}
	}

	user, found, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to fetch user", err)
	}
	if !found || !user.Active {
		s.recordFailure(email, req.ClientIP)
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "invalid_credentials", "invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.recordFailure(email, req.ClientIP)
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "invalid_credentials", "invalid email or password")
	}
	s.lockout.succeed(email)
	if req.ClientIP != "" {
		s.ipguard.succeed(req.ClientIP)
	}
	return s.buildLoginResponse(ctx, user)
}

func (s *service) recordFailure(email, ip string) {
	s.lockout.fail(email)
	if ip != "" {
		s.ipguard.fail(ip)
	}
}

func (s *service) ValidateToken(ctx context.Context, token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, apperrors.New(apperrors.KindUnauthorized, "invalid_token", "token missing")
	}
	claims, err := s.parseToken(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.TokenType != tokenTypeAccess {
		return Claims{}, apperrors.New(apperrors.KindUnauthorized, "invalid_token", "token type mismatch")
	}
	return claims, nil
}

func (s *service) Refresh(ctx context.Context, refreshToken string) (LoginResponse, error) {
	claims, err := s.parseToken(refreshToken)
	if err != nil {
		return LoginResponse{}, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "invalid_token", "token type mismatch")
	}
	session, found, err := s.sessions.Get(ctx, claims.TokenID)
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to load session", err)
	}
	if !found || session.Revoked() || session.ExpiresAt.Before(time.Now()) {
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "invalid_token", "refresh token revoked or expired")
	}
	user, found, err := s.repo.GetByID(ctx, claims.UserID)
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to load user", err)
	}
	if !found || !user.Active {
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "user_not_found", "user not found")
	}
	// Rotation: the presented refresh token dies with its session.
	if err := s.sessions.Revoke(ctx, session.ID); err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to rotate session", err)
	}
	return s.buildLoginResponse(ctx, user)
}

func (s *service) Logout(ctx context.Context, userID int64, req LogoutRequest) error {
	if req.AllSessions {
		if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
			return apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to revoke sessions", err)
		}
		return nil
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return apperrors.New(apperrors.KindValidation, "missing_token", "refresh token required")
	}
	claims, err := s.parseToken(req.RefreshToken)
	if err != nil {
		return err
	}
	if claims.UserID != userID || claims.TokenType != tokenTypeRefresh {
		return apperrors.New(apperrors.KindUnauthorized, "invalid_token", "token does not belong to this session")
	}
	if err := s.sessions.Revoke(ctx, claims.TokenID); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to revoke session", err)
	}
	return nil
}

func (s *service) Profile(ctx context.Context, userID int64) (UserView, error) {
	user, found, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return UserView{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to load profile", err)
	}
	if !found {
		return UserView{}, apperrors.New(apperrors.KindNotFound, "user_not_found", "user not found")
	}
	return toView(user), nil
}

func (s *service) buildLoginResponse(ctx context.Context, user User) (LoginResponse, error) {
	access, _, err := s.generateToken(user, tokenTypeAccess, s.cfg.TokenTTL)
	if err != nil {
		return LoginResponse{}, err
	}
	refresh, refreshID, err := s.generateToken(user, tokenTypeRefresh, s.cfg.RefreshTokenTTL)
	if err != nil {
		return LoginResponse{}, err
	}
	now := time.Now().UTC()
	if err := s.sessions.Create(ctx, Session{
		ID:        refreshID,
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}); err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to persist session", err)
	}
	return LoginResponse{
		Token:        access,
		RefreshToken: refresh,
		User:         toView(user),
	}, nil
}

func (s *service) generateToken(user User, tokenType string, ttl time.Duration) (string, string, error) {
	now := time.Now()
	id := newTokenID()
	claims := tokenClaims{
		UserID:    user.ID,
		Email:     user.Email,
		Roles:     user.Roles,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.KindInternal, "auth_error", "failed to sign token", err)
	}
	return signed, id, nil
}

func (s *service) parseToken(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.KindUnauthorized, "invalid_token", "token validation failed", err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, apperrors.New(apperrors.KindUnauthorized, "invalid_token", "token invalid")
	}
	if claims.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.KindUnauthorized, "invalid_token", "token missing expiry")
	}
	if claims.ExpiresAt.Time.Before(time.Now()) {
		return Claims{}, apperrors.New(apperrors.KindUnauthorized, "token_expired", "token expired")
	}
	return Claims{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Roles:     claims.Roles,
		TokenID:   claims.ID,
		TokenType: claims.TokenType,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func toView(user User) UserView {
	return UserView{
		ID:        user.ID,
		Email:     user.Email,
		Nickname:  user.Nickname,
		Roles:     user.Roles,
		CreatedAt: user.CreatedAt,
	}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(strings.ToLower(raw))
	if email == "" {
		return "", errors.New("email cannot be empty")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", err
	}
	return email, nil
}

func normalizeNickname(raw string) (string, error) {
	nickname := strings.TrimSpace(raw)
	if nickname == "" {
		return "", errors.New("nickname cannot be empty")
	}
	if len([]rune(nickname)) > 24 {
		return "", errors.New("nickname cannot exceed 24 characters")
	}
	for _, r := range nickname {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return "", errors.New("nickname may contain letters, digits, '_' and '-' only")
		}
	}
	return nickname, nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	return nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID    int64    `json:"userId"`
	Email     string   `json:"email"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"type"`
}

func newTokenID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(buf)
}
