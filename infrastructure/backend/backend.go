// Package backend implements the node's HTTP client for the three backend
// calls the core depends on: sealed-seed upsert/read and runner-readiness
// notification. The wire format here is not pinned by the spec this node
// implements; it follows the shape the original Rust client exposes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lexe-app/lexe-node/infrastructure/errors"
	"github.com/lexe-app/lexe-node/infrastructure/httputil"
	"github.com/lexe-app/lexe-node/infrastructure/provision"
)

const maxResponseBytes = 64 << 10

// Client is the node's HTTP-backed implementation of provision.Backend
// plus the sealed-seed read path RunFlow uses on restart.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL, normalized the way the node's
// other backend clients normalize theirs.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	base, _, err := httputil.NormalizeServiceBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	httpClient = httputil.CopyHTTPClientWithTimeout(httpClient, 10*time.Second, false)
	return &Client{baseURL: base, http: httpClient}, nil
}

type sealedSeedWire struct {
	SeedID     sealedSeedIDWire `json:"seed_id"`
	Ciphertext []byte           `json:"ciphertext"`
}

type sealedSeedIDWire struct {
	UserPk      string `json:"user_pk"`
	Measurement string `json:"measurement"`
	MachineID   string `json:"machine_id"`
	MinCPUSvn   uint16 `json:"min_cpu_svn"`
}

func toWireID(id provision.SealedSeedId) sealedSeedIDWire {
	return sealedSeedIDWire{
		UserPk:      fmt.Sprintf("%x", id.UserPk),
		Measurement: fmt.Sprintf("%x", id.Measurement),
		MachineID:   id.MachineId,
		MinCPUSvn:   id.MinCpuSvn,
	}
}

// UpsertSealedSeed persists a sealed-seed blob. A backend-reported
// duplicate-key conflict is surfaced as provision.ErrDuplicateSealedSeed
// so ProvisionFlow can collapse it to success.
func (c *Client) UpsertSealedSeed(ctx context.Context, id provision.SealedSeedId, ciphertext []byte) error {
	body, err := json.Marshal(sealedSeedWire{SeedID: toWireID(id), Ciphertext: ciphertext})
	if err != nil {
		return fmt.Errorf("backend: marshal sealed seed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/sealed_seed", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.BackendError("upsert_sealed_seed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return provision.ErrDuplicateSealedSeed
	default:
		msg, _, _ := httputil.ReadAllWithLimit(resp.Body, maxResponseBytes)
		return errors.Wrap(errors.ErrCodeBackendError, fmt.Sprintf("upsert_sealed_seed returned %d: %s", resp.StatusCode, msg), resp.StatusCode, nil)
	}
}

// GetSealedSeed fetches a previously persisted sealed-seed blob, used on
// node restart to recover the root seed without re-provisioning.
func (c *Client) GetSealedSeed(ctx context.Context, id provision.SealedSeedId) ([]byte, error) {
	wireID := toWireID(id)
	url := fmt.Sprintf("%s/sealed_seed?user_pk=%s&measurement=%s&machine_id=%s&min_cpu_svn=%d",
		c.baseURL, wireID.UserPk, wireID.Measurement, wireID.MachineID, wireID.MinCPUSvn)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.BackendError("get_sealed_seed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NotFound("sealed_seed", id.String())
	}
	if resp.StatusCode != http.StatusOK {
		msg, _, _ := httputil.ReadAllWithLimit(resp.Body, maxResponseBytes)
		return nil, errors.Wrap(errors.ErrCodeBackendError, fmt.Sprintf("get_sealed_seed returned %d: %s", resp.StatusCode, msg), resp.StatusCode, nil)
	}

	raw, err := httputil.ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("backend: read response: %w", err)
	}
	var wire sealedSeedWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("backend: decode response: %w", err)
	}
	return wire.Ciphertext, nil
}

// NotifyRunnerReady tells the runner the node's mTLS listener is up.
func (c *Client) NotifyRunnerReady(ctx context.Context, id provision.SealedSeedId, port int) error {
	body, err := json.Marshal(struct {
		SeedID sealedSeedIDWire `json:"seed_id"`
		Port   int              `json:"port"`
	}{SeedID: toWireID(id), Port: port})
	if err != nil {
		return fmt.Errorf("backend: marshal runner notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runner_ready", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.BackendError("notify_runner_ready", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _, _ := httputil.ReadAllWithLimit(resp.Body, maxResponseBytes)
		return errors.Wrap(errors.ErrCodeBackendError, fmt.Sprintf("notify_runner_ready returned %d: %s", resp.StatusCode, msg), resp.StatusCode, nil)
	}
	return nil
}
