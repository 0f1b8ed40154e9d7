// Package auth verifies the credentials presented by real-time clients.
package auth

import (
	"context"
	"fmt"

	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/types"
)

// Identity is the result of a successful verification.
type Identity struct {
	UserId      string
	DisplayName string
}

// A Verifier turns a raw credential into an identity. Every failure wraps
// types.ErrAuthentication.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// NewVerifier returns the verifier selected by cfg: HS256 tokens if a JWT secret is configured,
// otherwise the first OIDC provider.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (Verifier, error) {
	if cfg.JWTSecret != "" {
		return NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer), nil
	}
	if len(cfg.OIDCConfigs) > 0 {
		return NewOIDCVerifier(ctx, cfg.OIDCConfigs[0])
	}
	return nil, fmt.Errorf("no credential verifier configured, set auth.jwt_secret or auth.oidc")
}

func authenticationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrAuthentication, fmt.Sprintf(format, args...))
}
