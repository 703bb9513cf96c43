// Package seed implements domain-separated key derivation from a node's
// 32-byte root seed. Every long-lived key the node uses (the node's own
// signing key, the ephemeral and revocable issuing CAs, the VFS master key)
// is derived from this one root seed via HKDF-SHA256, never generated or
// stored independently.
package seed

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/lexe-app/lexe-node/infrastructure/secrets"
)

// Size is the fixed length of a RootSeed, in bytes.
const Size = 32

// maxDerivedLen caps DeriveVariable output at exactly HKDF-SHA256's own
// 255*32-byte limit.
const maxDerivedLen = 8160

var hkdfSalt = func() []byte {
	sum := sha256.Sum256([]byte("LEXE-HASH-REALM::RootSeed"))
	return sum[:]
}()

// Canonical derivation labels. Every caller must use one of these so that
// two components never collide on the same derived key by accident.
const (
	LabelUserKey            = "user key"
	LabelNodeKey            = "node key"
	LabelEphemeralIssuingCA = "ephemeral issuing ca"
	LabelRevocableIssuingCA = "revocable issuing ca"
	LabelVfsMasterKey       = "vfs master key"
)

// RootSeed is the node's single root secret. It is zeroized on Close and
// never renders itself in logs.
type RootSeed struct {
	bytes *secrets.Bytes
}

// NewRootSeed takes ownership of b, which must be exactly Size bytes.
func NewRootSeed(b []byte) (*RootSeed, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("seed: root seed must be %d bytes, got %d", Size, len(b))
	}
	return &RootSeed{bytes: secrets.NewBytes(b)}, nil
}

// Close zeroizes the root seed.
func (s *RootSeed) Close() error {
	return s.bytes.Close()
}

func (s *RootSeed) reader(label string) (io.Reader, error) {
	raw, err := s.bytes.Expose()
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return hkdf.New(sha256.New, raw, hkdfSalt, []byte(label)), nil
}

// Derive returns a 32-byte key for the given label.
func (s *RootSeed) Derive(label string) ([32]byte, error) {
	var out [32]byte
	r, err := s.reader(label)
	if err != nil {
		return out, err
	}
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("seed: derive %q: %w", label, err)
	}
	return out, nil
}

// DeriveVariable returns an n-byte key for the given label, wrapped for
// zeroization. n must be between 1 and maxDerivedLen.
func (s *RootSeed) DeriveVariable(label string, n int) (*secrets.Bytes, error) {
	if n <= 0 || n > maxDerivedLen {
		return nil, fmt.Errorf("seed: derive %q: output length %d out of range (1..%d)", label, n, maxDerivedLen)
	}
	r, err := s.reader(label)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("seed: derive %q: %w", label, err)
	}
	return secrets.NewBytes(out), nil
}
