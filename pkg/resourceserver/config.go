// Package resourceserver hosts the protected demo tools behind bearer
// authentication. It publishes RFC 9728 protected resource metadata and
// validates tokens via AS introspection or, when configured with the
// signing secret, locally.
package resourceserver

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the resource server's environment-driven configuration.
type Config struct {
	Port int

	// Resource is this server's identifier; token audiences must match it.
	Resource string

	// AuthServers are advertised in the protected resource metadata.
	AuthServers []string

	// IntrospectURL is the AS introspection endpoint.
	IntrospectURL string

	// LocalSecret enables local HS256 verification instead of
	// introspection when non-empty. LocalIssuer is the expected iss.
	LocalSecret string
	LocalIssuer string
}

// LoadConfig reads resource server configuration from the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for env, def := range map[string]any{
		"RS_PORT":             9100,
		"EXPECTED_AUD":        "http://localhost:9100",
		"RS_AS_BASE":          "http://localhost:9000",
		"AUTH_INTROSPECT_URL": "http://localhost:9000/introspect",
		"RS_LOCAL_SECRET":     "",
		"RS_LOCAL_ISSUER":     "http://localhost:9000",
	} {
		if err := v.BindEnv(env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
		v.SetDefault(env, def)
	}

	return &Config{
		Port:          v.GetInt("RS_PORT"),
		Resource:      v.GetString("EXPECTED_AUD"),
		AuthServers:   []string{v.GetString("RS_AS_BASE")},
		IntrospectURL: v.GetString("AUTH_INTROSPECT_URL"),
		LocalSecret:   v.GetString("RS_LOCAL_SECRET"),
		LocalIssuer:   v.GetString("RS_LOCAL_ISSUER"),
	}, nil
}
