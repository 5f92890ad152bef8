package app

import (
	"errors"
	"fmt"

	"easel/cmd/security/token"
)

// ValidateSecurityConfig enforces easel's security policy at startup.
//
// With EASEL_WS_REQUIRE_AUTH every socket must present a JWT, so the shared
// secret has to be present and long enough before the server listens.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.WSRequireAuth && cfg.WSDevInsecure {
		return errors.New("security policy: EASEL_WS_DEV_INSECURE cannot be combined with EASEL_WS_REQUIRE_AUTH")
	}
	if !cfg.WSRequireAuth {
		return nil
	}

	if _, err := token.SecretFromEnv(); err != nil {
		switch {
		case errors.Is(err, token.ErrSecretMissing):
			return fmt.Errorf("security policy: EASEL_WS_REQUIRE_AUTH=true but %s is missing", token.SecretEnvKey)
		case errors.Is(err, token.ErrSecretTooShort):
			return fmt.Errorf("security policy: EASEL_WS_REQUIRE_AUTH=true but %s is too short (min %d bytes)", token.SecretEnvKey, token.MinSecretBytes)
		default:
			return err
		}
	}
	return nil
}

// newVerifier builds the JWT verifier. It returns nil when no secret is
// configured and authentication is optional.
func newVerifier(cfg Config) (*token.Verifier, error) {
	secret, err := token.SecretFromEnv()
	switch {
	case errors.Is(err, token.ErrSecretMissing) && !cfg.WSRequireAuth:
		return nil, nil
	case err != nil:
		return nil, err
	}

	var opts []token.Option
	if cfg.JWTIssuer != "" {
		opts = append(opts, token.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, token.WithAudience(cfg.JWTAudience))
	}
	return token.NewVerifier(secret, opts...)
}
