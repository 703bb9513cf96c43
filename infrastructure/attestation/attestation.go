// Package attestation wraps SGX/DCAP remote attestation: producing a quote
// binding the node's ephemeral TLS key to the running enclave's
// measurement, and verifying a peer's quote against an allowlist.
package attestation

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/edgelesssys/ego/enclave"
)

// dummyMagic prefixes quotes produced outside real SGX hardware, the way
// the teacher's own "Simulated" attestation field marks non-hardware runs.
var dummyMagic = []byte("LXDQ")

var (
	ErrNoQuote                  = errors.New("attestation: no quote present")
	ErrKeyBindingFailed         = errors.New("attestation: report_data does not bind to the presented key")
	ErrPlatformSignatureInvalid = errors.New("attestation: platform signature invalid")
	ErrMeasurementNotAllowed    = errors.New("attestation: measurement not on allowlist")
	ErrCpuSvnTooLow             = errors.New("attestation: CPU SVN below minimum")
	ErrDebugNotAllowed          = errors.New("attestation: debug-mode enclave not allowed")
	ErrDummyQuoteRejected       = errors.New("attestation: dummy quote rejected by policy")
)

// Measurement identifies a specific enclave build.
type Measurement struct {
	MRENCLAVE [32]byte
	MRSIGNER  [32]byte
	ProdID    uint16
	ISVSVN    uint16
	Debug     bool
}

// Policy is an allowlist of measurements (and a minimum CPU SVN) a verifier
// will accept.
type Policy struct {
	Allowed      []Measurement
	MinCPUSVN    []byte
	AllowDebug   bool
	AllowDummy   bool // dev/staging only
}

// Quote produces a report_data-bound attestation quote over keyHash, the
// SHA-256 of the caller's TLS public key. Outside real SGX hardware
// (enclave.GetRemoteReport failing) it falls back to a recognizable dummy
// quote so development and CI can exercise the rest of the handshake path.
func Quote(keyHash [32]byte) ([]byte, error) {
	quote, err := enclave.GetRemoteReport(keyHash[:])
	if err != nil {
		dummy := make([]byte, 0, len(dummyMagic)+len(keyHash))
		dummy = append(dummy, dummyMagic...)
		dummy = append(dummy, keyHash[:]...)
		return dummy, nil
	}
	return quote, nil
}

// IsDummy reports whether quote was produced by the non-hardware fallback.
func IsDummy(quote []byte) bool {
	return bytes.HasPrefix(quote, dummyMagic)
}

// Verify validates quote against policy and checks that it binds keyHash.
// It returns the verified Measurement on success.
func Verify(quote []byte, keyHash [32]byte, policy Policy) (Measurement, error) {
	var m Measurement
	if len(quote) == 0 {
		return m, ErrNoQuote
	}

	if IsDummy(quote) {
		if !policy.AllowDummy {
			return m, ErrDummyQuoteRejected
		}
		want := quote[len(dummyMagic):]
		if !bytes.Equal(want, keyHash[:]) {
			return m, ErrKeyBindingFailed
		}
		return m, nil
	}

	report, err := enclave.VerifyRemoteReport(quote)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrPlatformSignatureInvalid, err)
	}

	if !bytes.Equal(report.Data[:sha256.Size], keyHash[:]) {
		return m, ErrKeyBindingFailed
	}

	if report.Debug && !policy.AllowDebug {
		return m, ErrDebugNotAllowed
	}

	copy(m.MRENCLAVE[:], report.UniqueID)
	copy(m.MRSIGNER[:], report.SignerID)
	m.ProdID = uint16(report.ProductID[0])
	m.ISVSVN = report.SecurityVersion
	m.Debug = report.Debug

	if !measurementAllowed(m, policy.Allowed) {
		return m, ErrMeasurementNotAllowed
	}

	if len(policy.MinCPUSVN) > 0 && bytes.Compare(report.CPUSVN, policy.MinCPUSVN) < 0 {
		return m, ErrCpuSvnTooLow
	}

	return m, nil
}

func measurementAllowed(m Measurement, allowed []Measurement) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a.MRENCLAVE == m.MRENCLAVE && a.MRSIGNER == m.MRSIGNER {
			return true
		}
	}
	return false
}

// SelfMeasurement reports the running binary's own measurement, useful for
// logging and for building the AttestationVerifier's own allowlist entry
// during provisioning of sibling nodes. Returns ok=false outside SGX
// hardware.
func SelfMeasurement() (Measurement, bool) {
	report, err := enclave.GetSelfReport()
	if err != nil {
		return Measurement{}, false
	}
	var m Measurement
	copy(m.MRENCLAVE[:], report.UniqueID)
	copy(m.MRSIGNER[:], report.SignerID)
	m.ProdID = uint16(report.ProductID[0])
	m.ISVSVN = report.SecurityVersion
	m.Debug = report.Debug
	return m, true
}
