package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

const oidcProviderName = "oidc"

type oidcClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
}

// OIDCAuthURL builds the authorization redirect with PKCE parameters.
func (s *service) OIDCAuthURL(ctx context.Context, state, codeChallenge string) (string, error) {
	cfg, _, err := s.oidcConfig(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("access_type", "offline"),
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// OIDCCallback exchanges the code, verifies the ID token against the issuer,
// and signs the linked (or newly provisioned) account in.
func (s *service) OIDCCallback(ctx context.Context, code, codeVerifier string) (LoginResponse, error) {
	cfg, provider, err := s.oidcConfig(ctx)
	if err != nil {
		return LoginResponse{}, err
	}
	if strings.TrimSpace(code) == "" || strings.TrimSpace(codeVerifier) == "" {
		return LoginResponse{}, apperrors.New(apperrors.KindValidation, "invalid_request", "missing oauth code or verifier")
	}
	token, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnauthorized, "oauth_exchange_failed", "failed to exchange oauth code", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "oauth_exchange_failed", "missing id_token in oauth response")
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: s.cfg.OIDC.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnauthorized, "invalid_id_token", "id token verification failed", err)
	}
	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnauthorized, "invalid_id_token", "failed to decode id token claims", err)
	}
	if !claims.EmailVerified {
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "invalid_credentials", "issuer account email not verified")
	}
	email, err := normalizeEmail(claims.Email)
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindValidation, "invalid_email", "invalid email address", err)
	}
	if claims.Subject == "" {
		return LoginResponse{}, apperrors.New(apperrors.KindUnauthorized, "invalid_id_token", "missing subject claim")
	}

	identity, found, err := s.repo.GetIdentity(ctx, oidcProviderName, claims.Subject)
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to fetch identity", err)
	}
	if found {
		user, ok, err := s.repo.GetByID(ctx, identity.UserID)
		if err != nil {
			return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to load user", err)
		}
		if !ok {
			return LoginResponse{}, apperrors.New(apperrors.KindNotFound, "user_not_found", "user not found")
		}
		if token.RefreshToken != "" {
			if err := s.upsertOIDCIdentity(ctx, identity.UserID, claims, token.RefreshToken); err != nil {
				return LoginResponse{}, err
			}
		}
		return s.buildLoginResponse(ctx, user)
	}

	if _, exists, err := s.repo.GetByEmail(ctx, email); err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to check existing user", err)
	} else if exists {
		return LoginResponse{}, apperrors.New(apperrors.KindConflict, "account_linking_disabled", "account linking by email is not enabled")
	}

	nickname := oidcNickname(claims)
	passwordHash, err := hashRandomPassword()
	if err != nil {
		return LoginResponse{}, apperrors.Wrap(apperrors.KindInternal, "auth_error", "failed to generate password hash", err)
	}
	user, err := s.repo.Create(ctx, email, nickname, passwordHash, []string{RoleUser})
	if err != nil {
		if errors.Is(err, ErrEmailExists) {
			return LoginResponse{}, apperrors.New(apperrors.KindConflict, "email_exists", "email already registered")
		}
		return LoginResponse{}, apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to create user", err)
	}
	if err := s.upsertOIDCIdentity(ctx, user.ID, claims, token.RefreshToken); err != nil {
		return LoginResponse{}, err
	}
	return s.buildLoginResponse(ctx, user)
}

func (s *service) oidcConfig(ctx context.Context) (*oauth2.Config, *oidc.Provider, error) {
	if !s.cfg.OIDC.Enabled {
		return nil, nil, apperrors.New(apperrors.KindNotFound, "oidc_disabled", "external sign-in is not configured")
	}
	if s.cfg.OIDC.ClientID == "" || s.cfg.OIDC.RedirectURL == "" || s.cfg.OIDC.IssuerURL == "" {
		return nil, nil, apperrors.New(apperrors.KindInternal, "oidc_misconfigured", "oidc issuer settings incomplete")
	}
	provider, err := oidc.NewProvider(ctx, s.cfg.OIDC.IssuerURL)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.KindUnavailable, "oidc_unreachable", "failed to discover oidc issuer", err)
	}
	return &oauth2.Config{
		ClientID:     s.cfg.OIDC.ClientID,
		ClientSecret: s.cfg.OIDC.ClientSecret,
		RedirectURL:  s.cfg.OIDC.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}, provider, nil
}

func (s *service) upsertOIDCIdentity(ctx context.Context, userID int64, claims oidcClaims, refreshToken string) error {
	encrypted := refreshToken
	if s.cfg.OIDC.TokenEncryptionKey != "" && refreshToken != "" {
		var err error
		encrypted, err = encryptToken(s.cfg.OIDC.TokenEncryptionKey, refreshToken)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "auth_error", "failed to encrypt provider token", err)
		}
	}
	_, err := s.repo.UpsertIdentity(ctx, Identity{
		UserID:          userID,
		Provider:        oidcProviderName,
		ProviderSubject: claims.Subject,
		ProviderEmail:   claims.Email,
		RefreshToken:    encrypted,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "auth_store_error", "failed to persist identity", err)
	}
	return nil
}

func oidcNickname(claims oidcClaims) string {
	for _, candidate := range []string{claims.GivenName, claims.Name} {
		if nick, err := normalizeNickname(candidate); err == nil {
			return nick
		}
	}
	return "member"
}

func hashRandomPassword() (string, error) {
	random := newTokenID()
	hash, err := bcrypt.GenerateFromPassword([]byte(random), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
