package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/lexe-app/lexe-node/infrastructure/attestation"
	"github.com/lexe-app/lexe-node/infrastructure/backend"
	"github.com/lexe-app/lexe-node/infrastructure/bearerauth"
	"github.com/lexe-app/lexe-node/infrastructure/certs"
	"github.com/lexe-app/lexe-node/infrastructure/config"
	"github.com/lexe-app/lexe-node/infrastructure/logging"
	"github.com/lexe-app/lexe-node/infrastructure/metrics"
	"github.com/lexe-app/lexe-node/infrastructure/provision"
	"github.com/lexe-app/lexe-node/infrastructure/runflow"
	"github.com/lexe-app/lexe-node/infrastructure/runtime"
	"github.com/lexe-app/lexe-node/infrastructure/seed"
	"github.com/lexe-app/lexe-node/infrastructure/tlsconf"
	"github.com/lexe-app/lexe-node/infrastructure/verifier"
)

const defaultInactivityTimerSecs = 3600

func runRunCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	userPkHex := fs.String("user-pk", "", "hex-encoded 32-byte user public key")
	bitcoindRPC := fs.String("bitcoind-rpc", "", "bitcoind RPC descriptor <user>:<pass>@<host>:<port>")
	network := fs.String("network", "regtest", "bitcoin network: testnet|signet|regtest")
	peerPort := fs.Int("peer-port", 9735, "Lightning peer listen port (mTLS app listener)")
	shutdownAfterSync := fs.Bool("shutdown-after-sync-if-no-activity", false, "exit after chain sync if no client activity follows")
	inactivityTimerSec := fs.Int("inactivity-timer-sec", defaultInactivityTimerSecs, "seconds of inactivity before shutdown, when enabled above")
	backendURLFlag := fs.String("backend-url", "", "backend base URL (overrides MarbleRun/env default)")
	runnerURLFlag := fs.String("runner-url", "", "runner base URL (overrides MarbleRun/env default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *userPkHex == "" || *bitcoindRPC == "" {
		return fmt.Errorf("run: --user-pk and --bitcoind-rpc are required")
	}
	userPk, err := decodeUserPk(*userPkHex)
	if err != nil {
		return err
	}
	if _, err := config.ParseBitcoindRPCInfo(*bitcoindRPC); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if err := requireNonMainnet(*network); err != nil {
		return err
	}

	logger := logging.NewFromEnv("lexe-node-run")

	mb := bootstrapMarble(logger, "lexe-node-run", "run.lexe.app")
	backendURL := *backendURLFlag
	if backendURL == "" {
		backendURL = config.EnvOrSecret(mb, "BACKEND_URL", "https://backend.lexe.app")
	}
	runnerURL := *runnerURLFlag
	if runnerURL == "" {
		runnerURL = config.EnvOrSecret(mb, "RUNNER_URL", "https://runner.lexe.app")
	}

	backendClient, err := backend.New(backendURL, nil)
	if err != nil {
		return err
	}

	measurement, _ := attestation.SelfMeasurement()
	sealedID := provision.SealedSeedId{
		UserPk:      userPk,
		Measurement: measurement.MRENCLAVE,
		MachineId:   machineIdentity(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ciphertext, err := backendClient.GetSealedSeed(ctx, sealedID)
	if err != nil {
		return fmt.Errorf("run: fetch sealed seed: %w", err)
	}
	sealer := provision.NewLocalSealer([32]byte{})
	sealedBytes, err := sealer.Unseal(sealedID, ciphertext)
	if err != nil {
		return fmt.Errorf("run: unseal seed: %w", err)
	}
	raw, err := sealedBytes.Expose()
	if err != nil {
		sealedBytes.Close()
		return err
	}
	rootSeed, err := seed.NewRootSeed(append([]byte(nil), raw...))
	sealedBytes.Close()
	if err != nil {
		return err
	}
	defer rootSeed.Close()

	sharedCA, err := certs.BuildIssuingCA(rootSeed, certs.KindRevocableIssuing, seed.LabelRevocableIssuingCA, "revocable-ca")
	if err != nil {
		return fmt.Errorf("run: build shared-seed ca: %w", err)
	}
	ee, err := sharedCA.IssueEndEntity(certs.KindRevocableEE, "run.lexe.app", nil)
	if err != nil {
		return fmt.Errorf("run: issue end-entity cert: %w", err)
	}
	der, key, err := ee.TLSCertificate(sharedCA.DER)
	if err != nil {
		return err
	}
	tlsCert, err := tlsconf.LoadCertificate(der, key)
	if err != nil {
		return err
	}

	sharedRoots := x509.NewCertPool()
	caCert, err := x509.ParseCertificate(sharedCA.DER)
	if err != nil {
		return fmt.Errorf("run: parse shared-seed ca: %w", err)
	}
	sharedRoots.AddCert(caCert)

	env := runtime.Env()
	mv := verifier.MultiplexingVerifier{
		ProvisionSuffix: ".provision.lexe.app",
		RunName:         "run.lexe.app",
		SharedSeed:      verifier.SharedSeedVerifier{Roots: sharedRoots},
		Pki:             verifier.LexePkiVerifier{Env: env, Roots: sharedRoots},
		ServerCertFor: func(serverName string) (tls.Certificate, error) {
			return tlsCert, nil
		},
	}

	userKeySeed, err := rootSeed.Derive(seed.LabelUserKey)
	if err != nil {
		return fmt.Errorf("run: derive user auth key: %w", err)
	}
	userSigningKey := ed25519.NewKeyFromSeed(userKeySeed[:])
	bearerClient, err := bearerauth.New(backendURL, userSigningKey, *network, nil)
	if err != nil {
		return fmt.Errorf("run: build bearer auth client: %w", err)
	}

	appHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Channel/payment endpoints live outside this substrate (the
		// Lightning protocol itself is a non-goal); the auth surface ends
		// here, ready for the owner app's RPCs to be mounted.
		w.WriteHeader(http.StatusNotImplemented)
	})
	lexeHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	nodeMetrics := metrics.New("lexe-node")
	rf := runflow.New(runflow.Config{
		AppTLSAddr:  fmt.Sprintf(":%d", *peerPort),
		TLSConfig:   runflow.ServerConfig(mv),
		AppHandler:  runflow.NewAppRouter(logger, nodeMetrics, appHandler),
		LexeAddr:    "127.0.0.1:0",
		LexeHandler: runflow.NewLexeRouter(logger, nodeMetrics, lexeHandler),
		BearerAuth:  bearerClient,
		Logger:      logger,
		Metrics:     nodeMetrics,
	})

	logger.Info(ctx, "run: steady-state server starting", map[string]interface{}{
		"peer_port":             *peerPort,
		"network":               *network,
		"shutdown_after_sync":   *shutdownAfterSync,
		"inactivity_timer_secs": *inactivityTimerSec,
		"runner_url":            runnerURL,
	})

	return rf.Run(ctx)
}

func requireNonMainnet(network string) error {
	switch network {
	case "testnet", "signet", "regtest":
		return nil
	case "mainnet", "bitcoin":
		return fmt.Errorf("run: mainnet is gated, use testnet|signet|regtest")
	default:
		return fmt.Errorf("run: unknown --network %q, want testnet|signet|regtest", network)
	}
}

// machineIdentity resolves the same machine identity the orchestrator
// supplied to `provision --machine-id` when it ran once on this host. The
// orchestrator is expected to export LEXE_MACHINE_ID identically for both
// invocations; hostname is a fallback for local/dev runs where it does not.
func machineIdentity() string {
	if id := config.GetEnv("LEXE_MACHINE_ID", ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown-machine"
}
