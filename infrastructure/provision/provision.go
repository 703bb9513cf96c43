// Package provision implements the node's provisioning state machine: the
// one-time flow where a fresh enclave attests to a mobile client, receives
// the root seed over the attested tunnel, seals it, and persists the
// sealed blob to the backend before notifying the runner it is ready.
package provision

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	stderrors "errors"
	"time"

	"github.com/lexe-app/lexe-node/infrastructure/attestation"
	"github.com/lexe-app/lexe-node/infrastructure/errors"
	"github.com/lexe-app/lexe-node/infrastructure/logging"
	"github.com/lexe-app/lexe-node/infrastructure/resilience"
	"github.com/lexe-app/lexe-node/infrastructure/secrets"
)

// State names one node in the provisioning state machine.
type State string

const (
	StateIdle               State = "Idle"
	StateAttestingHandshake State = "AttestingHandshake"
	StateAwaitingSeed       State = "AwaitingSeed"
	StateSealingSeed        State = "SealingSeed"
	StatePersisting         State = "Persisting"
	StateNotifyingRunner    State = "NotifyingRunner"
	StateRetrying           State = "Retrying"
	StateDone               State = "Done"
	StateFailed             State = "Failed"
)

// MaxPersistRetries bounds the sealed-seed upsert backoff, matching
// spec.md's IMPORTANT_PERSIST_RETRIES ~ 5.
const MaxPersistRetries = 5

var persistRetryConfig = resilience.RetryConfig{
	MaxAttempts:  MaxPersistRetries,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
	Jitter:       0.2,
}

// SealedSeedId addresses exactly one sealing context: a root seed is
// openable only by the enclave whose self-report matches the measurement
// it was sealed under.
type SealedSeedId struct {
	UserPk      [32]byte `json:"user_pk"`
	Measurement [32]byte `json:"measurement"`
	MachineId   string   `json:"machine_id"`
	MinCpuSvn   uint16   `json:"min_cpu_svn"`
}

func (id SealedSeedId) String() string {
	return fmt.Sprintf("%x/%x/%s/%d", id.UserPk[:4], id.Measurement[:4], id.MachineId, id.MinCpuSvn)
}

// Sealer seals and unseals a root seed to/from an opaque ciphertext bound
// to the running enclave's self-report. Its internals (key-wrapping
// scheme, sealing oracle) are outside this package's scope; ProvisionFlow
// only calls through the interface.
type Sealer interface {
	Seal(id SealedSeedId, seed *secrets.Bytes) ([]byte, error)
}

// Backend is the subset of the backend API ProvisionFlow drives.
type Backend interface {
	UpsertSealedSeed(ctx context.Context, id SealedSeedId, ciphertext []byte) error
	NotifyRunnerReady(ctx context.Context, id SealedSeedId, port int) error
}

// ErrDuplicateSealedSeed is returned by a Backend when an id already has a
// persisted blob. ProvisionFlow treats this as idempotent success.
var ErrDuplicateSealedSeed = stderrors.New("provision: duplicate sealed seed")

// ProvisionRequest is the payload a client POSTs over the attested tunnel.
type ProvisionRequest struct {
	RootSeed []byte `json:"root_seed"`
}

// Flow drives one provisioning attempt end to end. A Flow value is used
// once: construct, call Run, discard.
type Flow struct {
	Backend     Backend
	Sealer      Sealer
	Measurement attestation.Measurement
	MachineId   string
	MinCpuSvn   uint16
	Policy      attestation.Policy
	Logger      *logging.Logger

	state State
}

// State returns the flow's current state, for status reporting.
func (f *Flow) State() State {
	if f.state == "" {
		return StateIdle
	}
	return f.state
}

func (f *Flow) transition(s State) {
	f.state = s
	if f.Logger != nil {
		f.Logger.Debug(context.Background(), "provision: state transition", map[string]interface{}{"state": string(s)})
	}
}

// Run executes the state machine against one already-attested connection.
// recvSeed blocks until the client's ProvisionRequest arrives (or ctx is
// canceled); userPk identifies the seed owner for SealedSeedId. port is
// the node's eventual mTLS listen port, reported to the runner once
// persistence succeeds.
func (f *Flow) Run(ctx context.Context, userPk [32]byte, recvSeed func(context.Context) (*ProvisionRequest, error), port int) (SealedSeedId, error) {
	f.transition(StateAttestingHandshake)
	if len(f.Policy.MinCPUSVN) > 0 && f.MinCpuSvn < cpuSvnFloor(f.Policy.MinCPUSVN) {
		f.transition(StateFailed)
		return SealedSeedId{}, errors.Wrap(errors.ErrCodeMeasurementDenied,
			fmt.Sprintf("cpu svn %d below policy floor", f.MinCpuSvn), 403, nil)
	}

	f.transition(StateAwaitingSeed)
	req, err := recvSeed(ctx)
	if err != nil {
		f.transition(StateFailed)
		return SealedSeedId{}, fmt.Errorf("provision: await seed: %w", err)
	}
	if len(req.RootSeed) != 32 {
		f.transition(StateFailed)
		return SealedSeedId{}, fmt.Errorf("provision: root seed must be 32 bytes, got %d", len(req.RootSeed))
	}

	id := SealedSeedId{UserPk: userPk, Measurement: f.Measurement.MRENCLAVE, MachineId: f.MachineId, MinCpuSvn: f.MinCpuSvn}

	f.transition(StateSealingSeed)
	seedBytes := secrets.NewBytes(append([]byte(nil), req.RootSeed...))
	ciphertext, err := f.Sealer.Seal(id, seedBytes)
	seedBytes.Close()
	if err != nil {
		f.transition(StateFailed)
		return SealedSeedId{}, errors.SealingFailed(err)
	}

	f.transition(StatePersisting)
	persistErr := resilience.Retry(ctx, persistRetryConfig, func() error {
		err := f.Backend.UpsertSealedSeed(ctx, id, ciphertext)
		if err == nil || err == ErrDuplicateSealedSeed {
			return nil
		}
		f.transition(StateRetrying)
		return err
	})
	if persistErr != nil {
		f.transition(StateFailed)
		return SealedSeedId{}, errors.ProvisionRetriesExhausted(MaxPersistRetries)
	}

	f.transition(StateNotifyingRunner)
	if err := f.Backend.NotifyRunnerReady(ctx, id, port); err != nil {
		f.transition(StateFailed)
		return SealedSeedId{}, errors.ProvisionFailed(string(StateNotifyingRunner), err)
	}

	f.transition(StateDone)
	return id, nil
}

// SignedAttestationReport is the original_source-supplemented dummy report
// shape the enclave presents to the sealing oracle, keyed by Ed25519
// instead of the wire format's native key type (the sealing backend's wire
// format is out of this package's scope).
type SignedAttestationReport struct {
	Measurement attestation.Measurement `json:"measurement"`
	PublicKey   ed25519.PublicKey       `json:"public_key"`
}

// cpuSvnFloor interprets a policy's MinCPUSVN as a big-endian minimum
// ordinal for comparison against the reported MinCpuSvn.
func cpuSvnFloor(minCPUSVN []byte) uint16 {
	var floor uint16
	for _, b := range minCPUSVN {
		floor = floor<<8 | uint16(b)
	}
	return floor
}

// MarshalRequest encodes a ProvisionRequest the way a client would before
// sending it over the attested tunnel. Exported for test harnesses that
// simulate the client side.
func MarshalRequest(seed [32]byte) ([]byte, error) {
	return json.Marshal(ProvisionRequest{RootSeed: seed[:]})
}
