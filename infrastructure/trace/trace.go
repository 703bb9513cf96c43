// Package trace implements the node's wire-format correlation identifier:
// 16 raw alphanumeric ASCII bytes, carried end to end on the lexe-trace-id
// header and threaded through context.Context for structured logging.
package trace

import (
	"context"
	"crypto/rand"
	"errors"
)

// Header is the HTTP header name TraceId values travel on.
const Header = "lexe-trace-id"

// Len is the fixed wire length of a TraceId, in bytes.
const Len = 16

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInvalidLength is returned by Parse when the input is not exactly Len bytes.
var ErrInvalidLength = errors.New("trace: id must be 16 bytes")

// ErrInvalidCharset is returned by Parse when the input contains bytes
// outside the alphanumeric alphabet.
var ErrInvalidCharset = errors.New("trace: id contains non-alphanumeric byte")

// ID is a 16-byte alphanumeric correlation identifier.
type ID [Len]byte

// New draws a fresh random ID.
func New() ID {
	var id ID
	buf := make([]byte, Len)
	if _, err := rand.Read(buf); err != nil {
		panic("trace: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	return id
}

// Parse validates and wraps a raw 16-byte wire value.
func Parse(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, ErrInvalidLength
	}
	for _, c := range b {
		if !isAlnum(c) {
			return id, ErrInvalidCharset
		}
	}
	copy(id[:], b)
	return id, nil
}

// ParseString is Parse over a string's bytes.
func ParseString(s string) (ID, error) {
	return Parse([]byte(s))
}

func isAlnum(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	default:
		return false
	}
}

// String renders the raw ASCII bytes, which is also the wire form.
func (id ID) String() string {
	return string(id[:])
}

type contextKey struct{}

// WithContext attaches id to ctx.
func WithContext(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retrieves the ID attached by WithContext, if any.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(contextKey{}).(ID)
	return id, ok
}
