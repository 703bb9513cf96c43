package provision

import (
	"testing"

	"github.com/lexe-app/lexe-node/infrastructure/secrets"
)

func TestLocalSealerFallbackProducesNonEmptyCiphertext(t *testing.T) {
	s := NewLocalSealer([32]byte{0x01})
	seed := secrets.NewBytes([]byte("0123456789012345678901234567890x"[:32]))
	ct, err := s.Seal(SealedSeedId{MachineId: "mid"}, seed)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(ct) == 0 {
		t.Fatal("expected non-empty ciphertext")
	}
}

func TestLocalSealerUnsealRoundTrips(t *testing.T) {
	s := NewLocalSealer([32]byte{0x02})
	id := SealedSeedId{MachineId: "mid-roundtrip"}
	plaintext := []byte("0123456789012345678901234567890x"[:32])
	seed := secrets.NewBytes(append([]byte(nil), plaintext...))

	ct, err := s.Seal(id, seed)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	recovered, err := s.Unseal(id, ct)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	raw, err := recovered.Expose()
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if string(raw) != string(plaintext) {
		t.Fatalf("unsealed plaintext mismatch: got %x want %x", raw, plaintext)
	}
}

func TestLocalSealerUnsealRejectsMismatchedId(t *testing.T) {
	s := NewLocalSealer([32]byte{0x03})
	seed := secrets.NewBytes([]byte("0123456789012345678901234567890x"[:32]))
	ct, err := s.Seal(SealedSeedId{MachineId: "original"}, seed)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Unseal(SealedSeedId{MachineId: "different"}, ct); err == nil {
		t.Fatal("expected error unsealing under a mismatched id")
	}
}
