package provision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lexe-app/lexe-node/infrastructure/attestation"
	"github.com/lexe-app/lexe-node/infrastructure/secrets"
)

type fakeSealer struct{}

func (fakeSealer) Seal(id SealedSeedId, seed *secrets.Bytes) ([]byte, error) {
	raw, err := seed.Expose()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

type fakeBackend struct {
	mu          sync.Mutex
	inserts     int
	notified    int
	duplicateOn int // inserts count at which to start returning ErrDuplicateSealedSeed
}

func (b *fakeBackend) UpsertSealedSeed(ctx context.Context, id SealedSeedId, ciphertext []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inserts++
	if b.duplicateOn > 0 && b.inserts > b.duplicateOn {
		return ErrDuplicateSealedSeed
	}
	return nil
}

func (b *fakeBackend) NotifyRunnerReady(ctx context.Context, id SealedSeedId, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notified++
	return nil
}

func newFlow(backend Backend) *Flow {
	return &Flow{
		Backend:     backend,
		Sealer:      fakeSealer{},
		Measurement: attestation.Measurement{MRENCLAVE: [32]byte{0xAA}},
		MachineId:   "test-mid",
		MinCpuSvn:   0,
		Policy:      attestation.Policy{},
	}
}

func recvFixedSeed(seed [32]byte) func(context.Context) (*ProvisionRequest, error) {
	return func(context.Context) (*ProvisionRequest, error) {
		return &ProvisionRequest{RootSeed: seed[:]}, nil
	}
}

func TestRunSucceedsAndReachesDone(t *testing.T) {
	backend := &fakeBackend{}
	f := newFlow(backend)
	var seed [32]byte
	for i := range seed {
		seed[i] = 0x42
	}

	id, err := f.Run(context.Background(), [32]byte{0x01}, recvFixedSeed(seed), 9735)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.State() != StateDone {
		t.Fatalf("state = %v, want Done", f.State())
	}
	if backend.inserts != 1 || backend.notified != 1 {
		t.Fatalf("inserts=%d notified=%d, want 1/1", backend.inserts, backend.notified)
	}
	if id.MachineId != "test-mid" {
		t.Errorf("unexpected id: %+v", id)
	}
}

// TestRunIdempotentOnDuplicateSealedSeed covers property 9: running twice
// with the same SealedSeedId succeeds both times.
func TestRunIdempotentOnDuplicateSealedSeed(t *testing.T) {
	backend := &fakeBackend{duplicateOn: 1}
	f1 := newFlow(backend)
	var seed [32]byte
	for i := range seed {
		seed[i] = 0x42
	}

	if _, err := f1.Run(context.Background(), [32]byte{0x01}, recvFixedSeed(seed), 9735); err != nil {
		t.Fatalf("first run: %v", err)
	}

	f2 := newFlow(backend)
	if _, err := f2.Run(context.Background(), [32]byte{0x01}, recvFixedSeed(seed), 9735); err != nil {
		t.Fatalf("second run (duplicate) should collapse to success: %v", err)
	}
	if f2.State() != StateDone {
		t.Fatalf("second run state = %v, want Done", f2.State())
	}
}

func TestRunRejectsShortSeed(t *testing.T) {
	backend := &fakeBackend{}
	f := newFlow(backend)
	recv := func(context.Context) (*ProvisionRequest, error) {
		return &ProvisionRequest{RootSeed: []byte{0x01, 0x02}}, nil
	}
	if _, err := f.Run(context.Background(), [32]byte{}, recv, 9735); err == nil {
		t.Error("expected error for short seed")
	}
	if f.State() != StateFailed {
		t.Errorf("state = %v, want Failed", f.State())
	}
}

func TestRunFailsBelowCpuSvnFloor(t *testing.T) {
	backend := &fakeBackend{}
	f := newFlow(backend)
	f.Policy.MinCPUSVN = []byte{0x00, 0x05}
	f.MinCpuSvn = 1

	var seed [32]byte
	_, err := f.Run(context.Background(), [32]byte{}, recvFixedSeed(seed), 9735)
	if err == nil {
		t.Fatal("expected measurement-denied error")
	}
	if f.State() != StateFailed {
		t.Errorf("state = %v, want Failed", f.State())
	}
	if backend.inserts != 0 {
		t.Errorf("expected no persistence attempt, got %d inserts", backend.inserts)
	}
}

type alwaysFailBackend struct{}

func (alwaysFailBackend) UpsertSealedSeed(context.Context, SealedSeedId, []byte) error {
	return errors.New("backend unreachable")
}
func (alwaysFailBackend) NotifyRunnerReady(context.Context, SealedSeedId, int) error { return nil }

func TestRunExhaustsPersistRetries(t *testing.T) {
	f := newFlow(alwaysFailBackend{})
	var seed [32]byte
	_, err := f.Run(context.Background(), [32]byte{}, recvFixedSeed(seed), 9735)
	if err == nil {
		t.Fatal("expected persistence failure after retries exhausted")
	}
	if f.State() != StateFailed {
		t.Errorf("state = %v, want Failed", f.State())
	}
}
