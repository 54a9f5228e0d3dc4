package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/auth/jwt"
	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/store"
)

// Identity is the authenticated principal of a connection
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// TokenVerifier checks a bearer token and returns its claims
type TokenVerifier interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// UserFinder resolves a user id to the stored user
type UserFinder interface {
	FindUser(ctx context.Context, userID string) (*store.User, error)
}

// Authenticator resolves the handshake request of a connection to an Identity
type Authenticator struct {
	logger     *zap.Logger
	verifier   TokenVerifier
	users      UserFinder
	tokenParam string
}

// NewAuthenticator creates an Authenticator reading the token from the tokenParam query parameter
func NewAuthenticator(logger *zap.Logger, verifier TokenVerifier, users UserFinder, tokenParam string) *Authenticator {
	if tokenParam == "" {
		tokenParam = "token"
	}
	return &Authenticator{
		logger:     logger.Named("auth"),
		verifier:   verifier,
		users:      users,
		tokenParam: tokenParam,
	}
}

// TokenFromRequest extracts the bearer token from the query string, falling
// back to the Authorization header for clients that can set one.
func (a *Authenticator) TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get(a.tokenParam); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// Authenticate validates the request's token and looks up its user.
// Every error wraps cnst.ErrAuthFailed together with the specific cause.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	return a.AuthenticateToken(ctx, a.TokenFromRequest(r))
}

// AuthenticateToken is Authenticate for an already extracted token
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: %w", cnst.ErrAuthFailed, cnst.ErrMissingToken)
	}

	claims, err := a.verifier.ValidateToken(token)
	if err != nil {
		a.logger.Debug("token rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %w: %v", cnst.ErrAuthFailed, cnst.ErrInvalidToken, err)
	}

	user, err := a.users.FindUser(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, cnst.ErrUserNotFound) || errors.Is(err, cnst.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w: %s", cnst.ErrAuthFailed, cnst.ErrUserNotFound, claims.UserID())
		}
		// a store outage is not the client's fault but still refuses the handshake
		a.logger.Error("user lookup failed", zap.String("user_id", claims.UserID()), zap.Error(err))
		return nil, fmt.Errorf("%w: lookup user: %w", cnst.ErrAuthFailed, err)
	}

	return &Identity{UserID: user.ID, Username: user.Username}, nil
}
