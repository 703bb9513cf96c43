package provision

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/edgelesssys/ego/enclave"

	"github.com/lexe-app/lexe-node/infrastructure/secrets"
)

// LocalSealer seals a root seed to the running enclave's unique sealing
// key via ego/enclave. Outside real SGX hardware (enclave.SealWithUniqueKey
// failing) it falls back to an AES-256-GCM seal under a key derived by
// hashing a fixed label with devFallbackKey, so development and CI can
// exercise the rest of ProvisionFlow.
type LocalSealer struct {
	devFallbackKey [32]byte // only used outside SGX hardware
}

// NewLocalSealer constructs a LocalSealer. devFallbackKey is only consulted
// when running outside SGX hardware; pass the zero value in production.
func NewLocalSealer(devFallbackKey [32]byte) *LocalSealer {
	return &LocalSealer{devFallbackKey: devFallbackKey}
}

func (s *LocalSealer) Seal(id SealedSeedId, seed *secrets.Bytes) ([]byte, error) {
	raw, err := seed.Expose()
	if err != nil {
		return nil, err
	}
	ad, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("provision: marshal sealed seed id: %w", err)
	}

	sealed, err := enclave.SealWithUniqueKey(raw, ad)
	if err == nil {
		return sealed, nil
	}
	return s.sealFallback(raw, ad)
}

// Unseal recovers the root seed sealed by Seal. id must match the id Seal
// was called with; the enclave path compares the associated data sealed
// with the blob against the data derived from id, and the fallback's GCM
// tag binds it, so a mismatched id fails rather than silently decrypting.
func (s *LocalSealer) Unseal(id SealedSeedId, ciphertext []byte) (*secrets.Bytes, error) {
	ad, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("provision: marshal sealed seed id: %w", err)
	}

	plaintext, sealedAD, err := enclave.Unseal(ciphertext)
	if err == nil {
		if !bytes.Equal(sealedAD, ad) {
			return nil, fmt.Errorf("provision: sealed seed id does not match")
		}
		return secrets.NewBytes(plaintext), nil
	}
	plaintext, err = s.unsealFallback(ciphertext, ad)
	if err != nil {
		return nil, err
	}
	return secrets.NewBytes(plaintext), nil
}

func (s *LocalSealer) unsealFallback(ciphertext, ad []byte) ([]byte, error) {
	key := sha256.Sum256(append([]byte("LEXE-REALM::LocalSealerFallback"), s.devFallbackKey[:]...))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("provision: fallback unseal cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("provision: fallback unseal gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("provision: fallback ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, fmt.Errorf("provision: fallback unseal: %w", err)
	}
	return plaintext, nil
}

func (s *LocalSealer) sealFallback(plaintext, ad []byte) ([]byte, error) {
	key := sha256.Sum256(append([]byte("LEXE-REALM::LocalSealerFallback"), s.devFallbackKey[:]...))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("provision: fallback seal cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("provision: fallback seal gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("provision: fallback seal nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, ad), nil
}
