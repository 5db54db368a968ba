// Package discovery detects the authentication requirements of a protected
// resource and resolves the OAuth metadata needed to satisfy them.
//
// The sequence mirrors the RFC chain: an unauthenticated probe yields a 401
// with a WWW-Authenticate challenge (RFC 6750), whose resource_metadata
// parameter points at the protected resource metadata (RFC 9728), which in
// turn names the authorization servers whose metadata is fetched per
// RFC 8414.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/networking"
	"github.com/agentgate/agentgate/pkg/oauthproto"
)

// Default timeout constants for discovery operations.
const (
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultAuthDetectTimeout = 10 * time.Second
)

// maxMetadataSize limits metadata documents to 1MB to prevent DoS.
const maxMetadataSize = 1024 * 1024

// ErrNoChallenge indicates the probed resource did not answer with a usable
// WWW-Authenticate challenge.
var ErrNoChallenge = errors.New("no authentication challenge from resource")

// AuthInfo contains authentication information extracted from a
// WWW-Authenticate header.
type AuthInfo struct {
	Realm            string
	Type             string
	ResourceMetadata string
	Error            string
	ErrorDescription string
}

// Client performs discovery fetches. The zero value is not usable; use
// NewClient.
type Client struct {
	http networking.HTTPClient
}

// NewClient returns a discovery client with sane timeouts.
func NewClient() *Client {
	return &Client{
		http: networking.NewHttpClientBuilder().
			WithTimeout(DefaultAuthDetectTimeout).
			WithResponseHeaderTimeout(5 * time.Second).
			Build(),
	}
}

// NewClientWithHTTP returns a discovery client using the given HTTP client.
// Intended for tests.
func NewClientWithHTTP(h networking.HTTPClient) *Client {
	return &Client{http: h}
}

// ProbeResource makes an unauthenticated request to the target and extracts
// the WWW-Authenticate challenge from the expected 401 response.
// Returns ErrNoChallenge when the resource does not demand authentication.
func (c *Client) ProbeResource(ctx context.Context, targetURI string) (*AuthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to probe resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: probe returned HTTP %d", ErrNoChallenge, resp.StatusCode)
	}

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	if wwwAuth == "" {
		return nil, fmt.Errorf("%w: 401 without WWW-Authenticate header", ErrNoChallenge)
	}

	return ParseWWWAuthenticate(wwwAuth)
}

// ParseWWWAuthenticate parses the WWW-Authenticate header to extract
// authentication information. Only Bearer challenges are supported.
//
// Note: the header is not split by comma because Bearer parameters can
// contain commas inside quoted values.
func ParseWWWAuthenticate(header string) (*AuthInfo, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	if !strings.HasPrefix(header, "Bearer") {
		return nil, fmt.Errorf("unsupported authentication scheme: %s", strings.Split(header, " ")[0])
	}

	authInfo := &AuthInfo{Type: "OAuth"}
	params := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if params == "" {
		return authInfo, nil
	}

	authInfo.Realm = ExtractParameter(params, "realm")
	// RFC 9728: resource_metadata points at the protected resource metadata.
	authInfo.ResourceMetadata = ExtractParameter(params, "resource_metadata")
	authInfo.Error = ExtractParameter(params, "error")
	authInfo.ErrorDescription = ExtractParameter(params, "error_description")

	return authInfo, nil
}

// ExtractParameter extracts a parameter value from an authentication header.
// Handles both quoted and unquoted values according to RFC 2617 and RFC 6750.
func ExtractParameter(params, paramName string) string {
	searchStr := paramName + "="
	idx := strings.Index(params, searchStr)
	if idx == -1 {
		return ""
	}

	valueStart := idx + len(searchStr)
	if valueStart >= len(params) {
		return ""
	}

	remainder := params[valueStart:]

	if strings.HasPrefix(remainder, `"`) {
		// Find the closing unescaped quote.
		endIdx := 1
		for endIdx < len(remainder) {
			if remainder[endIdx] == '"' && (endIdx == 1 || remainder[endIdx-1] != '\\') {
				value := remainder[1:endIdx]
				return strings.ReplaceAll(value, `\"`, `"`)
			}
			endIdx++
		}
		return ""
	}

	// Unquoted value ends at comma, space, or end of string.
	endIdx := 0
	for endIdx < len(remainder) {
		if remainder[endIdx] == ',' || remainder[endIdx] == ' ' {
			break
		}
		endIdx++
	}

	return strings.TrimSpace(remainder[:endIdx])
}

// FetchResourceMetadata fetches OAuth protected resource metadata as
// specified in RFC 9728.
func (c *Client) FetchResourceMetadata(ctx context.Context, metadataURL string) (*oauthproto.ProtectedResourceMetadata, error) {
	var metadata oauthproto.ProtectedResourceMetadata
	if err := c.fetchJSON(ctx, metadataURL, &metadata); err != nil {
		return nil, err
	}

	// RFC 9728 Section 3.3: the resource value is required.
	// authorization_servers is optional; callers fall back to configuration
	// when it is absent.
	if metadata.Resource == "" {
		return nil, fmt.Errorf("metadata missing required 'resource' field")
	}

	return &metadata, nil
}

// FetchAuthServerMetadata fetches authorization server metadata (RFC 8414)
// from the given URL. The URL should already point at the well-known
// document; see NormalizeAuthServerURL.
func (c *Client) FetchAuthServerMetadata(ctx context.Context, metadataURL string) (*oauthproto.AuthorizationServerMetadata, error) {
	var metadata oauthproto.AuthorizationServerMetadata
	if err := c.fetchJSON(ctx, metadataURL, &metadata); err != nil {
		return nil, err
	}

	if metadata.Issuer == "" {
		return nil, fmt.Errorf("metadata missing required 'issuer' field")
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata missing authorization or token endpoint")
	}

	return &metadata, nil
}

// NormalizeAuthServerURL ensures the given authorization server reference
// points at its RFC 8414 well-known metadata document. A bare origin such as
// http://localhost:9092 becomes
// http://localhost:9092/.well-known/oauth-authorization-server.
func NormalizeAuthServerURL(asURL string) (string, error) {
	if strings.HasSuffix(asURL, oauthproto.WellKnownAuthServerPath) {
		return asURL, nil
	}

	parsed, err := url.Parse(asURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("authorization server URL missing scheme or host: %s", asURL)
	}

	return parsed.Scheme + "://" + parsed.Host + oauthproto.WellKnownAuthServerPath, nil
}

func (c *Client) fetchJSON(ctx context.Context, metadataURL string, out any) error {
	if metadataURL == "" {
		return fmt.Errorf("metadata URL is empty")
	}

	parsedURL, err := url.Parse(metadataURL)
	if err != nil {
		return fmt.Errorf("invalid metadata URL: %w", err)
	}

	// Metadata must travel over HTTPS except for localhost in development.
	if parsedURL.Scheme != "https" && !isLocalhost(parsedURL.Hostname()) {
		return fmt.Errorf("metadata URL must use HTTPS: %s", metadataURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "application/json") {
		return fmt.Errorf("unexpected content type: %s", contentType)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}

	return nil
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
