// Package authserver is a small OAuth 2.1 authorization server for agent
// flows: authorization code with mandatory S256 PKCE, resource-indicator
// audience binding, dynamic client registration, and token introspection.
// Consent is auto-approved; codes and clients live in memory and die with
// the process.
package authserver

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the authorization server's environment-driven configuration.
type Config struct {
	Port   int
	Issuer string

	// SigningSecret keys the HS256 demo tokens.
	SigningSecret string

	// DefaultAudience is used when neither the authorize nor the token
	// request carries a resource indicator.
	DefaultAudience string

	// Subject is the authenticated user. The demo auto-approves a single
	// fixed identity.
	Subject string

	ScopesSupported []string
}

// LoadConfig reads authorization server configuration from the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for env, def := range map[string]any{
		"AS_PORT":        9000,
		"AS_ISSUER":      "http://localhost:9000",
		"AS_SECRET":      "dev-signing-secret",
		"AS_DEFAULT_AUD": "http://localhost:9100",
		"AS_SUBJECT":     "user-123",
	} {
		if err := v.BindEnv(env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
		v.SetDefault(env, def)
	}

	return &Config{
		Port:            v.GetInt("AS_PORT"),
		Issuer:          v.GetString("AS_ISSUER"),
		SigningSecret:   v.GetString("AS_SECRET"),
		DefaultAudience: v.GetString("AS_DEFAULT_AUD"),
		Subject:         v.GetString("AS_SUBJECT"),
		ScopesSupported: []string{"echo:read", "tickets:read", "payments:charge"},
	}, nil
}
