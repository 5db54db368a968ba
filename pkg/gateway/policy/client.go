// Package policy is the gateway's client for the authorizer (ADP): the
// service that turns (subject, agent, tool, context) into allowed scopes and
// obligations, and decides whether consent can be granted automatically.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentgate/agentgate/pkg/gateway/session"
	"github.com/agentgate/agentgate/pkg/networking"
)

// maxResponseSize bounds ADP response bodies.
const maxResponseSize = 1 << 20

// ErrUnreachable indicates the authorizer could not be reached or returned
// a non-200 status.
var ErrUnreachable = errors.New("authorizer unreachable")

// EvaluateRequest is the input to the authorizer's /evaluate endpoint.
type EvaluateRequest struct {
	Subject         string         `json:"subject"`
	AgentID         string         `json:"agent_id"`
	ToolID          string         `json:"tool_id"`
	Audience        string         `json:"audience"`
	RequestedScopes []string       `json:"requested_scopes"`
	Context         map[string]any `json:"context,omitempty"`
}

// EvaluateResponse is the authorizer's policy decision.
type EvaluateResponse struct {
	Allow       bool                `json:"allow"`
	Scopes      []string            `json:"scopes,omitempty"`
	Obligations session.Obligations `json:"obligations"`
	Reason      string              `json:"reason,omitempty"`
}

// ConsentRequest is the input to the authorizer's /consent endpoint.
type ConsentRequest struct {
	Subject  string   `json:"subject"`
	AgentID  string   `json:"agent_id"`
	ToolID   string   `json:"tool_id"`
	Audience string   `json:"audience"`
	Scopes   []string `json:"scopes"`
	Explicit bool     `json:"explicit"`
}

// ConsentResponse is the authorizer's consent decision.
type ConsentResponse struct {
	Allow    bool   `json:"allow"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Client talks to one authorizer instance.
type Client struct {
	baseURL string
	http    networking.HTTPClient
}

// NewClient creates a policy client for the authorizer at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    networking.NewHttpClientBuilder().Build(),
	}
}

// NewClientWithHTTP creates a policy client with a caller-supplied HTTP
// client. Intended for tests.
func NewClientWithHTTP(baseURL string, httpClient networking.HTTPClient) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Evaluate asks the authorizer for a policy decision on a session start.
func (c *Client) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	var resp EvaluateResponse
	if err := c.postJSON(ctx, "/evaluate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Consent asks the authorizer whether consent can be granted for the given
// scopes. explicit=false probes for auto-consent; explicit=true records a
// user-approved grant.
func (c *Client) Consent(ctx context.Context, req *ConsentRequest) (*ConsentResponse, error) {
	var resp ConsentResponse
	if err := c.postJSON(ctx, "/consent", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnreachable, path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
