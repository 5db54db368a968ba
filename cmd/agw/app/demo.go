package app

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/pkg/authorizer"
	"github.com/agentgate/agentgate/pkg/authorizer/store"
	"github.com/agentgate/agentgate/pkg/authserver"
	gwserver "github.com/agentgate/agentgate/pkg/gateway/server"
	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/networking"
	"github.com/agentgate/agentgate/pkg/resourceserver"
)

// newDemoCmd runs every service in one process with consistent defaults,
// so the full authorization flow works out of the box.
func newDemoCmd() *cobra.Command {
	var seedDelegation bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run AS, resource server, authorizer, and gateway together",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			// The gateway refuses to start without a state secret; mint an
			// ephemeral one for the demo.
			if os.Getenv("GW_STATE_SECRET") == "" {
				if err := os.Setenv("GW_STATE_SECRET", uuid.NewString()); err != nil {
					return err
				}
			}

			asCfg, err := authserver.LoadConfig()
			if err != nil {
				return err
			}
			rsCfg, err := resourceserver.LoadConfig()
			if err != nil {
				return err
			}
			adpCfg, err := authorizer.LoadConfig()
			if err != nil {
				return err
			}
			gwCfg, err := gwserver.LoadConfig()
			if err != nil {
				return err
			}

			for _, port := range []int{asCfg.Port, rsCfg.Port, adpCfg.Port, gwCfg.Port} {
				if !networking.IsAvailable(port) {
					return fmt.Errorf("port %d is already in use", port)
				}
			}

			st, err := store.Open(ctx, adpCfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if seedDelegation {
				if err := seedPayDelegation(cmd, st, gwCfg); err != nil {
					return fmt.Errorf("failed to seed delegation: %w", err)
				}
			}

			gw, err := gwserver.New(gwCfg)
			if err != nil {
				return err
			}

			logger.Infow("Demo starting",
				"as_port", asCfg.Port, "rs_port", rsCfg.Port,
				"adp_port", adpCfg.Port, "gw_port", gwCfg.Port)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return authserver.NewServer(asCfg).Run(gctx) })
			g.Go(func() error { return resourceserver.NewServer(rsCfg).Run(gctx) })
			g.Go(func() error { return authorizer.NewServer(adpCfg, st).Run(gctx) })
			g.Go(func() error { return gw.Run(gctx) })
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&seedDelegation, "seed-delegation", true,
		"Store a signed payment delegation for the demo subject and agent")

	return cmd
}

// seedPayDelegation signs and stores a constrained payment delegation the
// way a user's wallet would submit one.
func seedPayDelegation(cmd *cobra.Command, st authorizer.DelegationStore, gwCfg *gwserver.Config) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	claims := jwt.MapClaims{
		"subject":   gwCfg.Subject,
		"agent_id":  gwCfg.AgentID,
		"tool_id":   "mcp.pay",
		"scopes":    []string{"payments:charge"},
		"not_after": time.Now().Add(24 * time.Hour).Unix(),
		"iss":       "did:user:" + gwCfg.Subject,
		"constraints": map[string]any{
			"max_amount_cents": 5000,
			"merchants":        []string{"mcp-tix"},
		},
	}
	jws, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return err
	}

	key, err := jwk.Import(pub)
	if err != nil {
		return err
	}
	jwkJSON, err := json.Marshal(key)
	if err != nil {
		return err
	}

	d, err := authorizer.VerifyDelegation(jws, jwkJSON, time.Now())
	if err != nil {
		return err
	}
	if err := st.Upsert(cmd.Context(), d); err != nil {
		return err
	}

	logger.Infow("Delegation seeded", "subject", d.Subject, "agent", d.AgentID, "tool", d.ToolID)
	return nil
}
