package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"

	"github.com/lexe-app/lexe-node/infrastructure/attestation"
	"github.com/lexe-app/lexe-node/infrastructure/backend"
	"github.com/lexe-app/lexe-node/infrastructure/certs"
	"github.com/lexe-app/lexe-node/infrastructure/config"
	"github.com/lexe-app/lexe-node/infrastructure/logging"
	"github.com/lexe-app/lexe-node/infrastructure/provision"
	"github.com/lexe-app/lexe-node/infrastructure/seed"
	"github.com/lexe-app/lexe-node/infrastructure/tlsconf"
	"github.com/lexe-app/lexe-node/infrastructure/verifier"
)

// provisionRequestWire is the JSON body the provisioner POSTs to /provision
// once it has verified the enclave's attestation quote over the TLS
// handshake. RootSeedHex is the 32-byte root seed, hex-encoded.
type provisionRequestWire struct {
	RootSeedHex string `json:"root_seed"`
}

func runProvisionCmd(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	userPkHex := fs.String("user-pk", "", "hex-encoded 32-byte user public key")
	machineID := fs.String("machine-id", "", "machine identifier for this enclave instance")
	nodeDNSName := fs.String("node-dns-name", "localhost", "DNS name this node's provisioning cert presents")
	port := fs.Int("port", 0, "port the provisioning listener binds (0 = OS-assigned)")
	backendURLFlag := fs.String("backend-url", "", "backend base URL (overrides MarbleRun/env default)")
	runnerURLFlag := fs.String("runner-url", "", "runner base URL (overrides MarbleRun/env default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *userPkHex == "" || *machineID == "" {
		return fmt.Errorf("provision: --user-pk and --machine-id are required")
	}
	userPk, err := decodeUserPk(*userPkHex)
	if err != nil {
		return err
	}

	logger := logging.NewFromEnv("lexe-node-provision")

	mb := bootstrapMarble(logger, "lexe-node-provision", *nodeDNSName)
	backendURL := *backendURLFlag
	if backendURL == "" {
		backendURL = config.EnvOrSecret(mb, "BACKEND_URL", "https://backend.lexe.app")
	}
	runnerURL := *runnerURLFlag
	if runnerURL == "" {
		runnerURL = config.EnvOrSecret(mb, "RUNNER_URL", "https://runner.lexe.app")
	}
	_ = runnerURL // NotifyRunnerReady targets the backend, which forwards to the runner; kept for CLI symmetry with `run`.

	rootSeedBytes := make([]byte, seed.Size)
	if _, err := rand.Read(rootSeedBytes); err != nil {
		return fmt.Errorf("provision: generate ephemeral seed: %w", err)
	}
	ephemeralSeed, err := seed.NewRootSeed(rootSeedBytes)
	if err != nil {
		return err
	}
	defer ephemeralSeed.Close()

	ca, err := certs.BuildIssuingCA(ephemeralSeed, certs.KindEphemeralIssuing, seed.LabelEphemeralIssuingCA, "ephemeral-ca")
	if err != nil {
		return fmt.Errorf("provision: build ephemeral ca: %w", err)
	}

	eePub, eePriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("provision: generate ee key: %w", err)
	}
	keyHash, err := certs.SubjectPublicKeyInfoHash(eePub)
	if err != nil {
		return fmt.Errorf("provision: hash ee key: %w", err)
	}

	measurement, _ := attestation.SelfMeasurement()
	quote, err := attestation.Quote(keyHash)
	if err != nil {
		return fmt.Errorf("provision: produce attestation quote: %w", err)
	}
	ee, err := ca.IssueEndEntityWithKey(certs.KindEphemeralEE, *nodeDNSName, eePub, eePriv, quote)
	if err != nil {
		return fmt.Errorf("provision: issue end-entity cert: %w", err)
	}
	der, key, err := ee.TLSCertificate(ca.DER)
	if err != nil {
		return err
	}
	tlsCert, err := tlsconf.LoadCertificate(der, key)
	if err != nil {
		return err
	}

	policy := attestation.Policy{AllowDummy: true}
	av := verifier.AttestationVerifier{Policy: policy}
	serverCfg := tlsconf.ServerConfig(tlsCert, av, true)

	backendClient, err := backend.New(backendURL, nil)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		return fmt.Errorf("provision: listen: %w", err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	flow := &provision.Flow{
		Backend:     backendClient,
		Sealer:      provision.NewLocalSealer([32]byte{}),
		Measurement: measurement,
		MachineId:   *machineID,
		Policy:      policy,
		Logger:      logger,
	}

	// The provisioner posts the root seed once over the attested mTLS
	// channel; recvSeed hands it to the waiting Flow and the handler blocks
	// on the flow's outcome before replying.
	seedCh := make(chan *provision.ProvisionRequest, 1)
	recvSeed := func(ctx context.Context) (*provision.ProvisionRequest, error) {
		select {
		case req := <-seedCh:
			return req, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	resultCh := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/provision", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeProvisionRequestBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		seedCh <- req
		if err := <-resultCh; err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: mux, TLSConfig: serverCfg}
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ServeTLS(ln, "", "") }()

	logger.Info(context.Background(), "provisioning listener started", map[string]interface{}{"port": boundPort})

	id, flowErr := flow.Run(context.Background(), userPk, recvSeed, boundPort)
	resultCh <- flowErr
	_ = srv.Close()

	if flowErr != nil {
		return fmt.Errorf("provision: %w", flowErr)
	}
	logger.Info(context.Background(), "provisioning complete", map[string]interface{}{"sealed_seed_id": id.String()})
	return nil
}

func decodeUserPk(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, fmt.Errorf("provision: invalid --user-pk: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("provision: --user-pk must decode to 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodeProvisionRequestBody(r *http.Request) (*provision.ProvisionRequest, error) {
	defer r.Body.Close()
	var wire provisionRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("provision: decode request body: %w", err)
	}
	rootSeed, err := hex.DecodeString(wire.RootSeedHex)
	if err != nil {
		return nil, fmt.Errorf("provision: invalid root_seed hex: %w", err)
	}
	return &provision.ProvisionRequest{RootSeed: rootSeed}, nil
}
