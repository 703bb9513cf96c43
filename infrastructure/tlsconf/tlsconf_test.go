package tlsconf

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func selfSignedEd25519(t *testing.T) ([][]byte, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return [][]byte{der}, pkcs8
}

func TestLoadCertificateAcceptsEd25519(t *testing.T) {
	der, key := selfSignedEd25519(t)
	if _, err := LoadCertificate(der, key); err != nil {
		t.Fatalf("LoadCertificate: %v", err)
	}
}

func TestServerConfigPinsFixedProfile(t *testing.T) {
	der, key := selfSignedEd25519(t)
	cert, err := LoadCertificate(der, key)
	if err != nil {
		t.Fatal(err)
	}
	cfg := ServerConfig(cert, noopVerifier{}, false)
	if cfg.MinVersion != cfg.MaxVersion {
		t.Error("expected MinVersion == MaxVersion (TLS 1.3 only)")
	}
	if len(cfg.CipherSuites) != 1 {
		t.Fatalf("expected exactly one cipher suite, got %d", len(cfg.CipherSuites))
	}
}

func TestRequireEd25519LeafRejectsEmpty(t *testing.T) {
	if _, err := RequireEd25519Leaf(nil); err == nil {
		t.Error("expected error for empty rawCerts")
	}
}

func TestRequireEd25519LeafAcceptsEd25519Cert(t *testing.T) {
	der, _ := selfSignedEd25519(t)
	if _, err := RequireEd25519Leaf(der); err != nil {
		t.Fatalf("RequireEd25519Leaf: %v", err)
	}
}

type noopVerifier struct{}

func (noopVerifier) VerifyPeerCertificate([][]byte, [][]*x509.Certificate) error { return nil }
