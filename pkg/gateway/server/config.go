package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the gateway's environment-driven configuration.
type Config struct {
	// BaseURL is the public URL agents and the AS redirect back to.
	BaseURL string

	// UpstreamRS is the base URL of the resource server to proxy to, and
	// ProbePath the unauthenticated path used for discovery.
	UpstreamRS string
	ProbePath  string

	// RSMetaFallback is consulted when the 401 probe yields no
	// resource_metadata pointer.
	RSMetaFallback string

	// ASMetaFallback is consulted when the resource metadata lists no
	// authorization servers.
	ASMetaFallback string

	// ADPBase is the authorizer's base URL.
	ADPBase string

	// StateSecret keys the HMAC over the OAuth state envelope.
	StateSecret string

	// WalletToken is the payment method credential injected into pay
	// requests. Agents never see it.
	WalletToken string

	// Subject and AgentID identify the delegating user and the agent in
	// policy calls.
	Subject string
	AgentID string

	// ClientName is sent during dynamic client registration.
	ClientName string

	Port int
}

// LoadConfig reads gateway configuration from the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for env, def := range map[string]any{
		"GW_BASE":         "http://localhost:9300",
		"GW_PORT":         9300,
		"UPSTREAM_RS":     "http://localhost:9100",
		"GW_PROBE_PATH":   "/mcp/echo",
		"RS_META":         "",
		"AS_METADATA_URL": "",
		"ADP_BASE":        "http://localhost:9200",
		"GW_STATE_SECRET": "",
		"WALLET_PM_TOKEN": "wallet-demo-pm-token",
		"GW_SUBJECT":      "user-123",
		"GW_AGENT_ID":     "agent-demo",
		"GW_CLIENT_NAME":  "agentgate-gateway",
	} {
		if err := v.BindEnv(env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
		v.SetDefault(env, def)
	}

	cfg := &Config{
		BaseURL:        v.GetString("GW_BASE"),
		Port:           v.GetInt("GW_PORT"),
		UpstreamRS:     v.GetString("UPSTREAM_RS"),
		ProbePath:      v.GetString("GW_PROBE_PATH"),
		RSMetaFallback: v.GetString("RS_META"),
		ASMetaFallback: v.GetString("AS_METADATA_URL"),
		ADPBase:        v.GetString("ADP_BASE"),
		StateSecret:    v.GetString("GW_STATE_SECRET"),
		WalletToken:    v.GetString("WALLET_PM_TOKEN"),
		Subject:        v.GetString("GW_SUBJECT"),
		AgentID:        v.GetString("GW_AGENT_ID"),
		ClientName:     v.GetString("GW_CLIENT_NAME"),
	}
	if cfg.StateSecret == "" {
		return nil, fmt.Errorf("GW_STATE_SECRET must be set")
	}
	return cfg, nil
}
