package authorizer

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the authorizer's environment-driven configuration.
type Config struct {
	Port int

	// DBPath is the SQLite file backing the delegation store.
	DBPath string

	// AllowWithoutDelegation keeps the demo-friendly default where
	// evaluation succeeds with minimal obligations when no delegation is on
	// file. Production deployments set ADP_ALLOW_WITHOUT_DELEGATION=false.
	AllowWithoutDelegation bool
}

// LoadConfig reads authorizer configuration from the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for env, def := range map[string]any{
		"ADP_PORT":                     9200,
		"ADP_DB":                       "delegations.db",
		"ADP_ALLOW_WITHOUT_DELEGATION": true,
	} {
		if err := v.BindEnv(env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
		v.SetDefault(env, def)
	}

	return &Config{
		Port:                   v.GetInt("ADP_PORT"),
		DBPath:                 v.GetString("ADP_DB"),
		AllowWithoutDelegation: v.GetBool("ADP_ALLOW_WITHOUT_DELEGATION"),
	}, nil
}
