package coordinator

import "errors"

// API-misuse errors, returned directly to the caller.
var (
	ErrAlreadyInitialized = errors.New("coordinator: already initialized")
	ErrNotInitialized     = errors.New("coordinator: not initialized")
	ErrNotStarted         = errors.New("coordinator: not started")
)

// Initialization errors, returned directly to the caller. TrackerUnreachable
// is fatal; the other two stem from the metainfo collaborator.
var (
	ErrMalformedDescriptor = errors.New("coordinator: malformed descriptor")
	ErrDescriptorIoError   = errors.New("coordinator: descriptor not readable")
	ErrTrackerUnreachable  = errors.New("coordinator: tracker unreachable")
)

// Steady-state errors. These are never returned to the caller; they are
// recovered locally (drop peer, release reservation, leave piece in
// needed) and only ever reach a logger.
var (
	errProtocolViolation = errors.New("coordinator: protocol violation")
	errHashMismatch      = errors.New("coordinator: piece hash mismatch")
	errPeerDisconnected  = errors.New("coordinator: peer disconnected")
)
