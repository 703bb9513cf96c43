// Package tlsconf builds the node's one fixed TLS profile: TLS 1.3 only,
// X25519 key exchange, AES-128-GCM-SHA256, Ed25519 certificates, ALPN
// restricted to h2/http1.1. No caller may widen this profile; there is no
// exported knob for cipher suite, curve, or minimum version.
package tlsconf

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// Verifier is implemented by each of the node's peer-certificate
// verification strategies (attestation, shared-seed, PKI).
type Verifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

func baseConfig() *tls.Config {
	return &tls.Config{
		MinVersion:       tls.VersionTLS13,
		MaxVersion:       tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{tls.X25519},
		CipherSuites:     []uint16{tls.TLS_AES_128_GCM_SHA256},
		NextProtos:       []string{"h2", "http/1.1"},
	}
}

func LoadCertificate(certDER [][]byte, keyPKCS8 []byte) (tls.Certificate, error) {
	key, err := x509.ParsePKCS8PrivateKey(keyPKCS8)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: parse key: %w", err)
	}
	if _, ok := key.(ed25519.PrivateKey); !ok {
		return tls.Certificate{}, fmt.Errorf("tlsconf: key is not Ed25519")
	}
	return tls.Certificate{Certificate: certDER, PrivateKey: key}, nil
}

// ServerConfig builds a TLS server config that delegates all peer
// certificate validation to verifier and never relies on Go's default
// chain-building (InsecureSkipVerify + a custom VerifyPeerCertificate is
// the only way to plug in SNI-dependent verification logic).
func ServerConfig(cert tls.Certificate, verifier Verifier, requireClientCert bool) *tls.Config {
	cfg := baseConfig()
	cfg.Certificates = []tls.Certificate{cert}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = verifier.VerifyPeerCertificate
	return cfg
}

// ServerConfigSNI is ServerConfig for a listener that must pick a
// different certificate and verifier per SNI (the provisioning endpoint
// multiplexing attestation/shared-seed/PKI clients on one port).
func ServerConfigSNI(getConfig func(helloServerName string) (*tls.Config, error)) *tls.Config {
	cfg := baseConfig()
	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		return getConfig(hello.ServerName)
	}
	return cfg
}

// ClientConfig builds a TLS client config presenting cert and delegating
// server-certificate validation to verifier.
func ClientConfig(cert tls.Certificate, verifier Verifier, serverName string) *tls.Config {
	cfg := baseConfig()
	cfg.Certificates = []tls.Certificate{cert}
	cfg.ServerName = serverName
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = verifier.VerifyPeerCertificate
	return cfg
}

// RequireEd25519Leaf rejects any leaf certificate not signed with Ed25519,
// closing the one gap crypto/tls leaves open for restricting signature
// schemes used in chain verification (VerifyPeerCertificate only sees the
// raw chain, independent of what ClientAuth/CipherSuites already pinned).
func RequireEd25519Leaf(rawCerts [][]byte) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("tlsconf: no certificate presented")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("tlsconf: parse leaf: %w", err)
	}
	if leaf.PublicKeyAlgorithm != x509.Ed25519 {
		return nil, fmt.Errorf("tlsconf: leaf public key algorithm %v, want Ed25519", leaf.PublicKeyAlgorithm)
	}
	return leaf, nil
}
