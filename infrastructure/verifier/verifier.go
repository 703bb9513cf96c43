// Package verifier implements the node's three peer-certificate validation
// strategies and the SNI-based dispatcher that picks among them. Each
// strategy is a small struct implementing tlsconf.Verifier; MultiplexingVerifier
// is the only one ever installed directly on a tls.Config via GetConfigForClient.
package verifier

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/lexe-app/lexe-node/infrastructure/attestation"
	"github.com/lexe-app/lexe-node/infrastructure/certs"
	"github.com/lexe-app/lexe-node/infrastructure/runtime"
	"github.com/lexe-app/lexe-node/infrastructure/tlsconf"
)

// AttestationVerifier accepts a peer presenting a fresh attestation quote
// bound to the leaf's public key, checked against policy. Used for
// *.provision.lexe.app.
type AttestationVerifier struct {
	Policy attestation.Policy
}

func (v AttestationVerifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	leaf, err := tlsconf.RequireEd25519Leaf(rawCerts)
	if err != nil {
		return err
	}
	quote, ok := certs.QuoteExtension(leaf)
	if !ok {
		return attestation.ErrNoQuote
	}
	keyHash := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
	_, err = attestation.Verify(quote, keyHash, v.Policy)
	return err
}

// SharedSeedVerifier accepts a peer presenting a cert signed by the
// node's own revocable issuing CA, derived from the shared root seed.
// Used for run.lexe.app (owner app <-> node mTLS after provisioning).
type SharedSeedVerifier struct {
	Roots *x509.CertPool
}

func (v SharedSeedVerifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	leaf, err := tlsconf.RequireEd25519Leaf(rawCerts)
	if err != nil {
		return err
	}
	chain, err := buildChain(rawCerts)
	if err != nil {
		return err
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: chain,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// LexePkiVerifier accepts a peer presenting a cert chaining to one of the
// node operator's environment-scoped CAs (dev/staging/prod), used for
// backend/runner connections that are not yet inside the shared-seed trust
// domain.
type LexePkiVerifier struct {
	Env   runtime.Environment
	Roots *x509.CertPool
}

func (v LexePkiVerifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	leaf, err := tlsconf.RequireEd25519Leaf(rawCerts)
	if err != nil {
		return err
	}
	chain, err := buildChain(rawCerts)
	if err != nil {
		return err
	}
	_, err = leaf.Verify(x509.VerifyOptions{Roots: v.Roots, Intermediates: chain})
	return err
}

// MultiplexingVerifier dispatches to the right strategy by SNI. It is
// installed via tlsconf.ServerConfigSNI so the decision happens before the
// handshake picks a certificate.
type MultiplexingVerifier struct {
	ProvisionSuffix string // e.g. ".provision.lexe.app"
	RunName         string // e.g. "run.lexe.app"
	Attestation     AttestationVerifier
	SharedSeed      SharedSeedVerifier
	Pki             LexePkiVerifier
	// ServerCertFor returns the certificate to present for the matched
	// verifier, keyed by SNI.
	ServerCertFor func(serverName string) (tls.Certificate, error)
}

// Select returns the Verifier for a given SNI, following spec.md's fixed
// dispatch table: *.provision.lexe.app -> attestation, run.lexe.app ->
// shared-seed, everything else -> PKI.
func (m MultiplexingVerifier) Select(serverName string) tlsconf.Verifier {
	switch {
	case strings.HasSuffix(serverName, m.ProvisionSuffix):
		return m.Attestation
	case serverName == m.RunName:
		return m.SharedSeed
	default:
		return m.Pki
	}
}

// Config builds the *tls.Config to install on a listener multiplexing all
// three verifier kinds by SNI.
func (m MultiplexingVerifier) Config() *tls.Config {
	return tlsconf.ServerConfigSNI(func(serverName string) (*tls.Config, error) {
		cert, err := m.ServerCertFor(serverName)
		if err != nil {
			return nil, fmt.Errorf("verifier: no certificate for SNI %q: %w", serverName, err)
		}
		return tlsconf.ServerConfig(cert, m.Select(serverName), true), nil
	})
}

func buildChain(rawCerts [][]byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if len(rawCerts) < 2 {
		return pool, nil
	}
	for _, raw := range rawCerts[1:] {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("verifier: parse intermediate: %w", err)
		}
		pool.AddCert(c)
	}
	return pool, nil
}
