// Package rollinghash wraps crypto/sha1 to let a piece's hash state be
// checkpointed and restored as blocks of that piece arrive out of order
// relative to other pieces, without re-hashing bytes already written.
//
// hash.Hash doesn't expose its internal state directly, but crypto/sha1's
// concrete type has implemented encoding.BinaryMarshaler/BinaryUnmarshaler
// since Go 1.11 specifically so callers can checkpoint long-running
// digests. Clone round-trips through that encoding instead of copying the
// struct directly, since the latter isn't part of the documented contract.
package rollinghash

import (
	"crypto/sha1"
	"encoding"
	"fmt"
	"hash"
)

// State is an in-progress SHA-1 digest over a piece's bytes written so far.
type State struct {
	h hash.Hash
}

// New returns a fresh, empty digest state.
func New() *State {
	return &State{h: sha1.New()}
}

// Write feeds len(p) bytes into the digest. It never returns an error.
func (s *State) Write(p []byte) {
	s.h.Write(p)
}

// Sum returns the SHA-1 digest of everything written so far without
// mutating the state.
func (s *State) Sum() [sha1.Size]byte {
	var out [sha1.Size]byte
	copy(out[:], s.h.Sum(nil))
	return out
}

// Clone returns an independent copy of s that can keep being written to
// without affecting s. The coordinator does not call it: it hands a single
// State from reservation to request to partial entry without copying it.
func (s *State) Clone() (*State, error) {
	marshaler, ok := s.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("rollinghash: hash.Hash does not support BinaryMarshaler")
	}

	raw, err := marshaler.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("rollinghash: marshal: %w", err)
	}

	clone := sha1.New()
	unmarshaler, ok := clone.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("rollinghash: hash.Hash does not support BinaryUnmarshaler")
	}
	if err := unmarshaler.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("rollinghash: unmarshal: %w", err)
	}

	return &State{h: clone}, nil
}
