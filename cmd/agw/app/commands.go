// Package app provides the entry point for the agentgate command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentgate/agentgate/pkg/authorizer"
	"github.com/agentgate/agentgate/pkg/authorizer/store"
	"github.com/agentgate/agentgate/pkg/authserver"
	gwserver "github.com/agentgate/agentgate/pkg/gateway/server"
	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/resourceserver"
)

var rootCmd = &cobra.Command{
	Use:               "agw",
	DisableAutoGenTag: true,
	Short:             "agentgate is an identity-aware gateway for agent tool calls",
	Long: `agentgate brokers OAuth 2.1 authorization for agents calling protected
tools. The gateway discovers the resource's authorization server, consults
the delegation policy, runs the authorization code flow with PKCE, and
holds the resulting tokens so agents never see them.

The binary also ships the supporting services: the delegation authorizer,
a minimal authorization server, the demo resource server, and an agent
client for exercising the flow end to end.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		_ = viper.BindPFlag("debug", cmd.Root().PersistentFlags().Lookup("debug"))
		logger.Initialize()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the agentgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(authorizerCmd)
	rootCmd.AddCommand(authServerCmd)
	rootCmd.AddCommand(resourceCmd)
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newDemoCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the identity-aware gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := gwserver.LoadConfig()
		if err != nil {
			return err
		}
		srv, err := gwserver.New(cfg)
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}

var authorizerCmd = &cobra.Command{
	Use:   "authorizer",
	Short: "Run the delegation authorizer (ADP)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := authorizer.LoadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cmd.Context(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		return authorizer.NewServer(cfg, st).Run(cmd.Context())
	},
}

var authServerCmd = &cobra.Command{
	Use:   "authserver",
	Short: "Run the minimal OAuth 2.1 authorization server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := authserver.LoadConfig()
		if err != nil {
			return err
		}
		return authserver.NewServer(cfg).Run(cmd.Context())
	},
}

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Run the demo protected resource server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := resourceserver.LoadConfig()
		if err != nil {
			return err
		}
		return resourceserver.NewServer(cfg).Run(cmd.Context())
	},
}
