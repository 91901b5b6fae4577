package driver

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers of the driver branch on, following
// the teacher's errConnectionShutdown/errChatResponse convention.
var (
	// ErrConnectionLost is delivered to every pending caller when the
	// driver transitions to DEAD.
	ErrConnectionLost = errors.New("driver: connection lost")
	// ErrNotReady is returned when a session operation is attempted before
	// initialize() has completed.
	ErrNotReady = errors.New("driver: not ready")
	// ErrProtocolMismatch covers malformed replies and protocol version
	// mismatches surfaced during initialize.
	ErrProtocolMismatch = errors.New("driver: protocol mismatch")
)

// ProtocolError wraps a fatal framing or handshake failure that forces the
// driver into StateDead.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("driver: protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SessionLockConflict is returned by SessionLoad when the agent reports the
// session's advisory file lock is held by another process. Callers probe
// HolderPID for liveness to distinguish a stale lock (process dead, safe to
// recover) from a live, transient conflict.
type SessionLockConflict struct {
	HolderPID int
	Err       error
}

func (e *SessionLockConflict) Error() string {
	return fmt.Sprintf("driver: session lock held by pid %d: %v", e.HolderPID, e.Err)
}

func (e *SessionLockConflict) Unwrap() error { return e.Err }
