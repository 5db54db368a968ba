// Package agent is the demo agent client. It talks only to the gateway:
// it starts sessions, hands the authorize URL to the user's browser, polls
// readiness, and calls tools. It never sees an access token.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/browser"

	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/networking"
)

// AuthWaitCeiling bounds how long EnsureSession waits for the user to
// complete the browser flow.
const AuthWaitCeiling = 120 * time.Second

// ErrAuthTimeout is returned when the session never becomes ready within
// the ceiling.
var ErrAuthTimeout = errors.New("timed out waiting for authorization")

// Client drives the gateway's agent-facing API.
type Client struct {
	gatewayBase string
	http        networking.HTTPClient

	// SkipBrowser suppresses opening the authorize URL; the URL is logged
	// instead so the user can open it manually.
	SkipBrowser bool
}

// NewClient creates an agent client for the given gateway base URL.
func NewClient(gatewayBase string) *Client {
	return &Client{
		gatewayBase: gatewayBase,
		http:        networking.NewHttpClientBuilder().Build(),
	}
}

// NewClientWithHTTP creates an agent client with a custom HTTP client.
func NewClientWithHTTP(gatewayBase string, h networking.HTTPClient) *Client {
	return &Client{gatewayBase: gatewayBase, http: h}
}

type startRequest struct {
	ToolID  string         `json:"tool_id"`
	Scope   string         `json:"scope"`
	Context map[string]any `json:"context,omitempty"`
}

type startResponse struct {
	SID          string `json:"sid"`
	AuthorizeURL string `json:"authorize_url"`
}

type statusResponse struct {
	Ready bool `json:"ready"`
}

// EnsureSession starts a session for the tool, opens the authorize URL,
// and polls until a token for the scope is ready at the gateway.
func (c *Client) EnsureSession(ctx context.Context, toolID, scope string, toolCtx map[string]any) error {
	start, err := c.startSession(ctx, toolID, scope, toolCtx)
	if err != nil {
		return err
	}

	if c.SkipBrowser {
		logger.Infof("Open this URL in your browser to authorize: %s", start.AuthorizeURL)
	} else {
		logger.Infof("Opening browser to: %s", start.AuthorizeURL)
		if err := browser.OpenURL(start.AuthorizeURL); err != nil {
			logger.Warnf("Failed to open browser: %v", err)
			logger.Infof("Please manually open this URL in your browser: %s", start.AuthorizeURL)
		}
	}

	return c.waitReady(ctx, scope)
}

func (c *Client) startSession(ctx context.Context, toolID, scope string, toolCtx map[string]any) (*startResponse, error) {
	body, err := json.Marshal(startRequest{ToolID: toolID, Scope: scope, Context: toolCtx})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayBase+"/session/start", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session start failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session start returned status %d: %s", resp.StatusCode, raw)
	}

	var sr startResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode start response: %w", err)
	}
	if sr.AuthorizeURL == "" {
		return nil, fmt.Errorf("start response missing authorize_url")
	}
	return &sr, nil
}

// waitReady polls session status with exponential backoff until the
// gateway holds a token for the scope.
func (c *Client) waitReady(ctx context.Context, scope string) error {
	waitCtx, cancel := context.WithTimeout(ctx, AuthWaitCeiling)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	expBackoff.Reset()

	operation := func() (bool, error) {
		ready, err := c.sessionReady(waitCtx, scope)
		if err != nil {
			return false, err
		}
		if !ready {
			return false, errors.New("authorization pending")
		}
		return true, nil
	}

	_, err := backoff.Retry(waitCtx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(AuthWaitCeiling),
	)
	if err != nil {
		if waitCtx.Err() != nil {
			return ErrAuthTimeout
		}
		return err
	}
	return nil
}

func (c *Client) sessionReady(ctx context.Context, scope string) (bool, error) {
	statusURL := c.gatewayBase + "/session/status"
	if scope != "" {
		statusURL += "?scope=" + url.QueryEscape(scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("status poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status poll returned status %d", resp.StatusCode)
	}

	var st statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return false, err
	}
	return st.Ready, nil
}

// ToolResult is the outcome of a tool call through the gateway.
type ToolResult struct {
	Status int
	Body   []byte
}

// CallTool invokes a tool route on the gateway. GET for nil body, POST
// otherwise.
func (c *Client) CallTool(ctx context.Context, toolPath string, query url.Values, body []byte) (*ToolResult, error) {
	target := c.gatewayBase + toolPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return &ToolResult{Status: resp.StatusCode, Body: raw}, nil
}
