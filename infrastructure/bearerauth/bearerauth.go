// Package bearerauth implements the node's bearer-token authentication
// client: sign a fresh AuthRequest with the user's Ed25519 key, exchange it
// for an opaque backend-minted token, and cache it with a safety skew,
// re-minting through a single in-flight request even under concurrent
// callers.
package bearerauth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lexe-app/lexe-node/infrastructure/errors"
	"github.com/lexe-app/lexe-node/infrastructure/httputil"
	"github.com/lexe-app/lexe-node/infrastructure/secrets"
)

// domainSeparator prefixes every signed AuthRequest payload so a signature
// produced for this protocol can never be replayed as a signature for a
// different one.
const domainSeparator = "LEXE-REALM::BearerAuthRequest"

// skew is subtracted from a cached token's reported expiry so a request
// started just before expiry never races the backend's own clock.
const skew = 30 * time.Second

const maxBodyBytes = 16 << 10

// AuthRequest is the signed payload exchanged for a bearer token.
type AuthRequest struct {
	IssuedAt     int64  `json:"issued_at"`
	LifetimeSecs int64  `json:"lifetime_secs"`
	Network      string `json:"network"`
}

type authResponse struct {
	Token    string `json:"token"`
	ExpiryMs int64  `json:"expiry_ms"`
}

type cachedToken struct {
	value     *secrets.Bytes
	expiresAt time.Time
}

// Client mints and caches bearer tokens for one user key against one
// backend.
type Client struct {
	backendURL string
	userKey    ed25519.PrivateKey
	network    string
	http       *http.Client

	mu     sync.RWMutex
	cached *cachedToken
	flight singleflight.Group
}

// New constructs a Client. backendURL is normalized the way the node's
// other backend clients normalize theirs.
func New(backendURL string, userKey ed25519.PrivateKey, network string, httpClient *http.Client) (*Client, error) {
	base, _, err := httputil.NormalizeServiceBaseURL(backendURL)
	if err != nil {
		return nil, fmt.Errorf("bearerauth: %w", err)
	}
	httpClient = httputil.CopyHTTPClientWithTimeout(httpClient, 10*time.Second, false)
	return &Client{backendURL: base, userKey: userKey, network: network, http: httpClient}, nil
}

// Token returns a valid bearer token, re-minting if the cache is empty or
// within skew of expiry. Concurrent callers collapse onto one backend
// request.
func (c *Client) Token(ctx context.Context) (string, error) {
	if tok, ok := c.fromCache(); ok {
		return tok, nil
	}

	v, err, _ := c.flight.Do("mint", func() (interface{}, error) {
		if tok, ok := c.fromCache(); ok {
			return tok, nil
		}
		return c.mint(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fromCache() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil || time.Now().After(c.cached.expiresAt.Add(-skew)) {
		return "", false
	}
	raw, err := c.cached.value.Expose()
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (c *Client) mint(ctx context.Context) (string, error) {
	now := time.Now()
	req := AuthRequest{IssuedAt: now.Unix(), LifetimeSecs: int64((time.Hour).Seconds()), Network: c.network}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("bearerauth: marshal request: %w", err)
	}

	signed := append([]byte(domainSeparator), payload...)
	sig := ed25519.Sign(c.userKey, signed)

	body := struct {
		Payload   AuthRequest `json:"payload"`
		Signature []byte      `json:"signature"`
		PublicKey []byte      `json:"public_key"`
	}{Payload: req, Signature: sig, PublicKey: c.userKey.Public().(ed25519.PublicKey)}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("bearerauth: marshal envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backendURL+"/bearer_auth", bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("bearerauth: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.BackendError("bearer_auth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _, _ := httputil.ReadAllWithLimit(resp.Body, maxBodyBytes)
		return "", errors.Wrap(errors.ErrCodeBackendError, fmt.Sprintf("bearer_auth returned %d: %s", resp.StatusCode, errBody), resp.StatusCode, nil)
	}

	raw, err := httputil.ReadAllStrict(resp.Body, maxBodyBytes)
	if err != nil {
		return "", fmt.Errorf("bearerauth: read response: %w", err)
	}
	var ar authResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return "", fmt.Errorf("bearerauth: decode response: %w", err)
	}

	c.mu.Lock()
	if c.cached != nil {
		c.cached.value.Close()
	}
	c.cached = &cachedToken{
		value:     secrets.NewBytes([]byte(ar.Token)),
		expiresAt: time.UnixMilli(ar.ExpiryMs),
	}
	c.mu.Unlock()

	return ar.Token, nil
}

// RoundTripper wraps an http.RoundTripper, injecting a fresh bearer token
// into every outbound request's Authorization header.
type RoundTripper struct {
	Client *Client
	Base   http.RoundTripper
}

func (rt RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := rt.Client.Token(req.Context())
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+tok)
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

var _ io.Closer = (*cachedToken)(nil)

func (c *cachedToken) Close() error { return c.value.Close() }
