package app

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/pkg/agent"
	"github.com/agentgate/agentgate/pkg/gateway/proxy"
	"github.com/agentgate/agentgate/pkg/logger"
)

// newAgentCmd builds the demo agent command: authorize once, then call the
// tool through the gateway.
func newAgentCmd() *cobra.Command {
	var (
		gatewayBase string
		toolID      string
		scope       string
		skipBrowser bool

		msg      string
		orderID  string
		amount   int64
		merchant string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the demo agent client against the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			route, ok := proxy.LookupByToolID(toolID)
			if !ok {
				return fmt.Errorf("unknown tool: %s", toolID)
			}
			if scope == "" {
				scope = route.Scope
			}

			var (
				toolCtx map[string]any
				query   url.Values
				body    []byte
			)
			switch {
			case route.InjectWallet:
				toolCtx = map[string]any{
					"orderId":      orderID,
					"amount_cents": amount,
					"merchant_id":  merchant,
				}
				var err error
				body, err = json.Marshal(map[string]any{
					"orderId":      orderID,
					"amount_cents": amount,
					"merchant_id":  merchant,
				})
				if err != nil {
					return err
				}
			case msg != "":
				query = url.Values{"msg": {msg}}
			}

			c := agent.NewClient(gatewayBase)
			c.SkipBrowser = skipBrowser

			if err := c.EnsureSession(cmd.Context(), toolID, scope, toolCtx); err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}

			res, err := c.CallTool(cmd.Context(), route.ToolPath, query, body)
			if err != nil {
				return err
			}

			logger.Infow("Tool call completed", "tool", toolID, "status", res.Status)
			fmt.Println(string(res.Body))
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayBase, "gateway", "http://localhost:9300", "Gateway base URL")
	cmd.Flags().StringVar(&toolID, "tool", "mcp.echo", "Tool identifier to call")
	cmd.Flags().StringVar(&scope, "scope", "", "Scope to request (defaults to the tool's scope)")
	cmd.Flags().BoolVar(&skipBrowser, "skip-browser", false, "Print the authorize URL instead of opening a browser")
	cmd.Flags().StringVar(&msg, "msg", "hello", "Message for the echo tool")
	cmd.Flags().StringVar(&orderID, "order", "order-1001", "Order identifier for the pay tool")
	cmd.Flags().Int64Var(&amount, "amount", 500, "Amount in cents for the pay tool")
	cmd.Flags().StringVar(&merchant, "merchant", "mcp-tix", "Merchant identifier for the pay tool")

	return cmd
}
