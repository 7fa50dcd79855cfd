package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryRepo struct {
	mu         sync.Mutex
	users      map[int64]User
	emailIndex map[string]int64
	identities map[string]Identity
	seq        int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:      make(map[int64]User),
		emailIndex: make(map[string]int64),
		identities: make(map[string]Identity),
	}
}

func (r *memoryRepo) Create(_ context.Context, email, nickname, passwordHash string, roles []string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.emailIndex[email]; exists {
		return User{}, ErrEmailExists
	}
	r.seq++
	user := User{
		ID:           r.seq,
		Email:        email,
		Nickname:     nickname,
		PasswordHash: passwordHash,
		Roles:        roles,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	r.users[user.ID] = user
	r.emailIndex[email] = user.ID
	return user, nil
}

func (r *memoryRepo) GetByEmail(_ context.Context, email string) (User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.emailIndex[email]
	if !ok {
		return User{}, false, nil
	}
	return r.users[id], true, nil
}

func (r *memoryRepo) GetByID(_ context.Context, id int64) (User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	return user, ok, nil
}

func (r *memoryRepo) GetIdentity(_ context.Context, provider, subject string) (Identity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[provider+":"+subject]
	return identity, ok, nil
}

func (r *memoryRepo) GetIdentityByUser(_ context.Context, _ int64, _ string) (Identity, bool, error) {
	return Identity{}, false, nil
}

func (r *memoryRepo) UpsertIdentity(_ context.Context, identity Identity) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[identity.Provider+":"+identity.ProviderSubject] = identity
	return identity, nil
}

type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: make(map[string]Session)}
}

func (r *memorySessions) Create(_ context.Context, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	return nil
}

func (r *memorySessions) Get(_ context.Context, id string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok, nil
}

func (r *memorySessions) Revoke(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok && session.RevokedAt == nil {
		now := time.Now().UTC()
		session.RevokedAt = &now
		r.sessions[id] = session
	}
	return nil
}

func (r *memorySessions) RevokeAllForUser(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for id, session := range r.sessions {
		if session.UserID == userID {
			session.RevokedAt = &now
			r.sessions[id] = session
		}
	}
	return nil
}

func newTestService(cfg Config) (Service, *memoryRepo, *memorySessions) {
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 24 * time.Hour
	}
	repo := newMemoryRepo()
	sessions := newMemorySessions()
	return NewService(cfg, repo, sessions, newTestLogger()), repo, sessions
}

func register(t *testing.T, svc Service) UserView {
	t.Helper()
	view, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "User@Example.com",
		Password: "pass1234",
		Nickname: "CodeStar",
	})
	require.NoError(t, err)
	return view
}

func TestService_RegisterLoginAndRefresh(t *testing.T) {
	svc, _, _ := newTestService(Config{})
	view := register(t, svc)
	require.Equal(t, "user@example.com", view.Email)
	require.Equal(t, []string{RoleUser}, view.Roles)

	resp, err := svc.Login(context.Background(), LoginRequest{
		Email:    "user@example.com",
		Password: "pass1234",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	require.NotEmpty(t, resp.RefreshToken)

	claims, err := svc.ValidateToken(context.Background(), resp.Token)
	require.NoError(t, err)
	require.Equal(t, view.ID, claims.UserID)
	require.Equal(t, []string{RoleUser}, claims.Roles)
	require.NotEmpty(t, claims.TokenID)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)

	refreshed, err := svc.Refresh(context.Background(), resp.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, resp.Token, refreshed.Token)
}

func TestService_RefreshRotationRevokesOldToken(t *testing.T) {
	svc, _, _ := newTestService(Config{})
	register(t, svc)
	resp, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), resp.RefreshToken)
	require.NoError(t, err)

	// The presented refresh token died with its session.
	_, err = svc.Refresh(context.Background(), resp.RefreshToken)
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
}

func TestService_LogoutRevokesSession(t *testing.T) {
	svc, _, _ := newTestService(Config{})
	view := register(t, svc)
	resp, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), view.ID, LogoutRequest{RefreshToken: resp.RefreshToken}))
	_, err = svc.Refresh(context.Background(), resp.RefreshToken)
	require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
}

func TestService_LogoutAllSessions(t *testing.T) {
	svc, _, _ := newTestService(Config{})
	view := register(t, svc)
	first, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)
	second, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), view.ID, LogoutRequest{AllSessions: true}))
	_, err = svc.Refresh(context.Background(), first.RefreshToken)
	require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
	_, err = svc.Refresh(context.Background(), second.RefreshToken)
	require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
}

func TestService_AccountLockoutAfterRepeatedFailures(t *testing.T) {
	svc, _, _ := newTestService(Config{
		MaxLoginFailures: 3,
		LockoutDuration:  time.Minute,
	})
	register(t, svc)

	for i := 0; i < 3; i++ {
		_, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "wrong-pass"})
		require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
	}

	// Even the correct password is rejected while locked.
	_, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.True(t, apperrors.IsKind(err, apperrors.KindRateLimited))
	require.True(t, apperrors.IsCode(err, "account_locked"))
}

func TestService_SuccessfulLoginClearsFailureStreak(t *testing.T) {
	svc, _, _ := newTestService(Config{
		MaxLoginFailures: 3,
		LockoutDuration:  time.Minute,
	})
	register(t, svc)

	for i := 0; i < 2; i++ {
		_, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "nope-nope"})
		require.Error(t, err)
	}
	_, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)

	// The streak restarted; two more failures stay under the threshold.
	for i := 0; i < 2; i++ {
		_, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "nope-nope"})
		require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
	}
	_, err = svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)
}

func TestService_DuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService(Config{})
	register(t, svc)
	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "USER@example.com",
		Password: "pass5678",
		Nickname: "Another",
	})
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func TestService_RefreshTokenRejectedAsAccessToken(t *testing.T) {
	svc, _, _ := newTestService(Config{})
	register(t, svc)
	resp, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), resp.RefreshToken)
	require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
}

func TestService_ExpiredTokenRejected(t *testing.T) {
	svc, _, _ := newTestService(Config{TokenTTL: -time.Minute})
	register(t, svc)
	resp, err := svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass1234"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), resp.Token)
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindUnauthorized))
}

func TestService_ValidationRules(t *testing.T) {
	svc, _, _ := newTestService(Config{})
	cases := []RegisterRequest{
		{Email: "not-an-email", Password: "pass1234", Nickname: "ok"},
		{Email: "a@b.co", Password: "short", Nickname: "ok"},
		{Email: "a@b.co", Password: "pass1234", Nickname: ""},
		{Email: "a@b.co", Password: "pass1234", Nickname: "has spaces here"},
	}
	for _, req := range cases {
		_, err := svc.Register(context.Background(), req)
		require.True(t, apperrors.IsKind(err, apperrors.KindValidation), "case %+v", req)
	}
}
