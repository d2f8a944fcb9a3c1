package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/finsight-ai/finsight/pkg/models"
)

// Mode selects how callers are identified.
type Mode string

const (
	// ModeJWT requires a valid bearer token on every request.
	ModeJWT Mode = "jwt"

	// ModeAnonymous is the self-hosted mode: no token required, sessions
	// have no owner.
	ModeAnonymous Mode = "anonymous"
)

type userContextKey struct{}

// WithUser attaches a user to the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves a user from the context.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok
}

// Resolver turns an HTTP request into a caller identity.
type Resolver struct {
	mode Mode
	jwt  *JWTService
}

// NewResolver builds a resolver. jwtService may be nil in anonymous mode.
func NewResolver(mode Mode, jwtService *JWTService) *Resolver {
	if mode == "" {
		mode = ModeAnonymous
	}
	return &Resolver{mode: mode, jwt: jwtService}
}

// Anonymous reports whether the resolver runs in self-hosted mode.
func (r *Resolver) Anonymous() bool {
	return r.mode == ModeAnonymous
}

// Resolve returns the caller's user, or nil in anonymous mode without a
// token. A missing or invalid token outside anonymous mode is
// ErrAuthRequired; the request must not enter the agent loop.
func (r *Resolver) Resolve(req *http.Request) (*models.User, error) {
	token := bearerToken(req)

	if token == "" {
		if r.mode == ModeAnonymous {
			return nil, nil
		}
		return nil, ErrAuthRequired
	}

	user, err := r.jwt.Validate(token)
	if err != nil {
		if r.mode == ModeAnonymous {
			// Self-hosted callers may send stale tokens; treat as anonymous.
			return nil, nil
		}
		return nil, ErrAuthRequired
	}
	return user, nil
}

func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
