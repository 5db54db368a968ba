package authserver

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// codeLifetime bounds how long an authorization code may be redeemed.
const codeLifetime = 5 * time.Minute

// client is a dynamically registered public client.
type client struct {
	ID           string
	Name         string
	RedirectURIs []string
}

// authorizationRequest is the state captured at /authorize, keyed by the
// issued single-use code.
type authorizationRequest struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	Resource      string
	Subject       string
	IssuedAt      time.Time
}

// memory holds the AS's mutable state: registered clients and pending
// authorization codes. Codes are redeemed with an atomic compare-and-delete
// so a captured code cannot be exchanged twice.
type memory struct {
	mu      sync.Mutex
	clients map[string]*client
	codes   map[string]*authorizationRequest
	now     func() time.Time
}

func newMemory() *memory {
	return &memory{
		clients: make(map[string]*client),
		codes:   make(map[string]*authorizationRequest),
		now:     time.Now,
	}
}

func (m *memory) addClient(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

func (m *memory) getClient(id string) (*client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// issueCode stores the request under a fresh random code.
func (m *memory) issueCode(req *authorizationRequest) string {
	code := randomToken()
	req.IssuedAt = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code] = req
	return code
}

// redeemCode redeems a code exactly once. Client identity is verified
// before the entry is deleted, so a misaddressed attempt (wrong client_id
// or redirect_uri) does not burn the code; validation and delete happen
// under one lock so concurrent redemptions cannot both succeed.
func (m *memory) redeemCode(code, clientID, redirectURI string) (*authorizationRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.codes[code]
	if !ok {
		return nil, false
	}
	if m.now().Sub(req.IssuedAt) > codeLifetime {
		delete(m.codes, code)
		return nil, false
	}
	if req.ClientID != clientID || req.RedirectURI != redirectURI {
		return nil, false
	}

	delete(m.codes, code)
	return req, true
}

func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
