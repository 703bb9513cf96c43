package attestation

import (
	"crypto/sha256"
	"testing"
)

func TestQuoteFallsBackToDummyOutsideEnclave(t *testing.T) {
	keyHash := sha256.Sum256([]byte("test-key"))
	quote, err := Quote(keyHash)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !IsDummy(quote) {
		t.Fatal("expected dummy quote when not running under SGX")
	}
}

func TestVerifyDummyRejectsKeyMismatch(t *testing.T) {
	keyHash := sha256.Sum256([]byte("test-key"))
	quote, err := Quote(keyHash)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	otherHash := sha256.Sum256([]byte("different-key"))
	_, err = Verify(quote, otherHash, Policy{AllowDummy: true})
	if err != ErrKeyBindingFailed {
		t.Fatalf("err = %v, want ErrKeyBindingFailed", err)
	}
}

func TestVerifyDummyAcceptedWhenBoundAndAllowed(t *testing.T) {
	keyHash := sha256.Sum256([]byte("test-key"))
	quote, err := Quote(keyHash)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	if _, err := Verify(quote, keyHash, Policy{AllowDummy: true}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDummyRejectedWhenPolicyDisallows(t *testing.T) {
	keyHash := sha256.Sum256([]byte("test-key"))
	quote, err := Quote(keyHash)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	_, err = Verify(quote, keyHash, Policy{AllowDummy: false})
	if err != ErrDummyQuoteRejected {
		t.Fatalf("err = %v, want ErrDummyQuoteRejected", err)
	}
}

func TestVerifyRejectsEmptyQuote(t *testing.T) {
	keyHash := sha256.Sum256([]byte("test-key"))
	if _, err := Verify(nil, keyHash, Policy{AllowDummy: true}); err != ErrNoQuote {
		t.Fatalf("err = %v, want ErrNoQuote", err)
	}
}
