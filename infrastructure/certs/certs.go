// Package certs builds the node's X.509 certificates: the attestation
// cert presented during provisioning, the ephemeral and revocable issuing
// CAs derived from the root seed, and the end-entity certs those CAs sign.
// Every certificate in this package is Ed25519-only, matching the fixed
// TLS 1.3 cryptographic profile the node enforces elsewhere.
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/lexe-app/lexe-node/infrastructure/secrets"
	"github.com/lexe-app/lexe-node/infrastructure/seed"
)

// Kind identifies which of the node's fixed certificate roles a Cert plays.
type Kind string

const (
	KindAttestation       Kind = "attestation"
	KindEphemeralIssuing  Kind = "ephemeral_issuing_ca"
	KindEphemeralEE       Kind = "ephemeral_ee"
	KindRevocableIssuing  Kind = "revocable_issuing_ca"
	KindRevocableEE       Kind = "revocable_ee"
)

// attestationOID carries the raw SGX/DCAP quote as a custom X.509
// extension, following the same pattern MarbleRun/globalsigner use for
// binding an attestation report to the cert's public key.
var attestationOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57551, 1, 1}

const notBefore = -5 * time.Minute
const notAfter = 24 * time.Hour

// caNotBefore/caNotAfter are fixed, not relative to time.Now(): the issuing
// CA's DER must be byte-identical across every build from the same root
// seed, and x509 encodes validity to the second, so any time.Now()-derived
// bound would make two builds a second apart diverge.
var (
	caNotBefore = time.Date(1975, 1, 1, 0, 0, 0, 0, time.UTC)
	caNotAfter  = time.Date(4096, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Cert is a built certificate plus the private key that signs it.
type Cert struct {
	Kind   Kind
	DER    []byte
	Key    *secrets.Bytes // PKCS#8 DER, zeroizing
	pub    ed25519.PublicKey
	signer ed25519.PrivateKey
}

// TLSCertificate adapts Cert into the stdlib tls package's wire format.
func (c *Cert) TLSCertificate(chain ...[]byte) (der [][]byte, keyPKCS8 []byte, err error) {
	keyDER, err := c.Key.Expose()
	if err != nil {
		return nil, nil, err
	}
	out := append([][]byte{c.DER}, chain...)
	return out, keyDER, nil
}

func newSerial(s *seed.RootSeed, label string) (*big.Int, error) {
	raw, err := s.Derive("serial:" + label)
	if err != nil {
		return nil, err
	}
	// Force positive and nonzero per RFC 5280.
	raw[0] &^= 0x80
	n := new(big.Int).SetBytes(raw[:])
	if n.Sign() == 0 {
		n.SetInt64(1)
	}
	return n, nil
}

func subject(cn string) pkix.Name {
	return pkix.Name{
		Country:      []string{"US"},
		Province:     []string{"CA"},
		Organization: []string{"lexe-app"},
		CommonName:   cn,
	}
}

// BuildIssuingCA derives a deterministic Ed25519 CA keypair and self-signs
// a CA certificate from it. Building the same (seed, label) pair twice
// yields byte-identical DER, which is what lets two nodes sharing a root
// seed agree on the same CA without exchanging it out of band.
func BuildIssuingCA(s *seed.RootSeed, kind Kind, label, cn string) (*Cert, error) {
	seedBytes, err := s.Derive("ed25519 seed:" + label)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seedBytes[:])
	pub := priv.Public().(ed25519.PublicKey)

	serial, err := newSerial(s, label)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject(cn),
		NotBefore:             caNotBefore,
		NotAfter:              caNotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("certs: build %s CA: %w", kind, err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("certs: marshal CA key: %w", err)
	}
	return &Cert{Kind: kind, DER: der, Key: secrets.NewBytes(pkcs8), pub: pub, signer: priv}, nil
}

// IssueEndEntity signs an end-entity leaf cert under ca for dnsName,
// generating a fresh key and embedding an optional attestation quote as a
// custom extension so a peer can validate report_data binding during the
// handshake.
func (ca *Cert) IssueEndEntity(kind Kind, dnsName string, quote []byte) (*Cert, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate ee key: %w", err)
	}
	return ca.IssueEndEntityWithKey(kind, dnsName, pub, priv, quote)
}

// SubjectPublicKeyInfoHash returns SHA-256 of the DER-encoded
// SubjectPublicKeyInfo x509.CreateCertificate will embed for pub. A quote
// produced over this hash binds correctly to the eventual certificate's
// leaf.RawSubjectPublicKeyInfo, checked the same way by
// AttestationVerifier — without needing to sign the certificate twice.
func SubjectPublicKeyInfoHash(pub ed25519.PublicKey) ([32]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("certs: marshal spki: %w", err)
	}
	return sha256.Sum256(spki), nil
}

// IssueEndEntityWithKey is IssueEndEntity for a caller-supplied keypair,
// used when the attestation quote must be produced before the certificate
// exists (it binds to the key, not the cert).
func (ca *Cert) IssueEndEntityWithKey(kind Kind, dnsName string, pub ed25519.PublicKey, priv ed25519.PrivateKey, quote []byte) (*Cert, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject(dnsName),
		DNSNames:     []string{dnsName},
		NotBefore:    time.Now().Add(notBefore),
		NotAfter:     time.Now().Add(notAfter),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if len(quote) > 0 {
		ext, err := asn1.Marshal(quote)
		if err != nil {
			return nil, fmt.Errorf("certs: marshal attestation extension: %w", err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:    attestationOID,
			Value: ext,
		})
	}

	caCert, err := x509.ParseCertificate(ca.DER)
	if err != nil {
		return nil, fmt.Errorf("certs: parse issuing CA: %w", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, pub, ca.signer)
	if err != nil {
		return nil, fmt.Errorf("certs: issue %s: %w", kind, err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("certs: marshal ee key: %w", err)
	}
	return &Cert{Kind: kind, DER: der, Key: secrets.NewBytes(pkcs8), pub: pub, signer: priv}, nil
}

// QuoteExtension extracts the raw attestation quote embedded by
// IssueEndEntity, if present.
func QuoteExtension(cert *x509.Certificate) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(attestationOID) {
			var quote []byte
			if _, err := asn1.Unmarshal(ext.Value, &quote); err != nil {
				return nil, false
			}
			return quote, true
		}
	}
	return nil, false
}
