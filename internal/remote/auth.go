package remote

import (
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Authenticator provides credentials for registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry.
	Authenticate(registry string) (username, password string, err error)
}

// DefaultAuthenticator resolves credentials from the docker keychain.
type DefaultAuthenticator struct {
	Keychain authn.Keychain
}

// NewDefaultAuthenticator creates a default authenticator.
func NewDefaultAuthenticator() *DefaultAuthenticator {
	return &DefaultAuthenticator{Keychain: authn.DefaultKeychain}
}

// Authenticate returns credentials from the keychain. Anonymous access yields
// empty strings and no error.
func (a *DefaultAuthenticator) Authenticate(registry string) (string, string, error) {
	reg, err := name.NewRegistry(registry)
	if err != nil {
		return "", "", err
	}
	auth, err := a.Keychain.Resolve(reg)
	if err != nil {
		return "", "", err
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return "", "", err
	}
	return cfg.Username, cfg.Password, nil
}
