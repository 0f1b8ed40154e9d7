package auth

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/globals"
)

// OIDCVerifier verifies OIDC ID tokens issued by a configured provider.
type OIDCVerifier struct {
	name     string
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier runs provider discovery for cfg.
func NewOIDCVerifier(ctx context.Context, cfg config.OIDCConfig) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.ProviderUrl)
	if err != nil {
		return nil, err
	}
	conf := oidc.Config{}
	if cfg.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = cfg.ClientId
	}
	globals.AppLogger.Debug("oidc provider ready", "provider", cfg.Name, "url", cfg.ProviderUrl)
	return &OIDCVerifier{name: cfg.Name, verifier: provider.Verifier(&conf)}, nil
}

// Verify checks the ID token. The user id is the token subject, the display name is taken from
// the "name" claim, falling back to "email".
func (v *OIDCVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, authenticationError("missing token")
	}
	idToken, err := v.verifier.Verify(ctx, credential)
	if err != nil {
		globals.AppLogger.Debug("id token rejected", "provider", v.name, "error", err)
		return Identity{}, authenticationError("%s", err)
	}
	claims := struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}{}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, authenticationError("%s", err)
	}
	name := claims.Name
	if name == "" {
		name = claims.Email
	}
	return Identity{UserId: idToken.Subject, DisplayName: name}, nil
}
