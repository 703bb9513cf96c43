package secrets

import "sync"

// Bytes holds sensitive byte material (a root seed, a derived key, PKCS#8
// DER, a bearer token) that must be zeroized once no longer needed and must
// never leak into logs via fmt/%v, String(), or GoString().
type Bytes struct {
	mu     sync.Mutex
	b      []byte
	closed bool
}

// NewBytes takes ownership of b. Callers must not retain their own
// reference to the backing array after calling NewBytes.
func NewBytes(b []byte) *Bytes {
	return &Bytes{b: b}
}

// Expose returns the underlying bytes. The returned slice aliases internal
// storage and becomes invalid after Close.
func (s *Bytes) Expose() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.b, nil
}

// Len returns the length of the held material, or 0 if closed.
func (s *Bytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.b)
}

// Close zeroizes the underlying array and marks the value unusable.
// Idempotent.
func (s *Bytes) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
	s.closed = true
	return nil
}

// String never renders secret material.
func (s *Bytes) String() string {
	return "secrets.Bytes(REDACTED)"
}

// GoString never renders secret material, including under %#v.
func (s *Bytes) GoString() string {
	return "secrets.Bytes(REDACTED)"
}
