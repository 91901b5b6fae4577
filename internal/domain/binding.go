// Package domain holds the gateway's core value types, independent of any
// storage or transport concern.
package domain

import "time"

// ThreadSessionBinding is the gateway's (user_id, thread_id) -> session_id
// record, persisted across restarts by the binding store.
type ThreadSessionBinding struct {
	UserID        string
	ThreadID      string
	SessionID     string
	WorkspacePath string
	Model         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PendingRequest is a queued, not-yet-dispatched inbound turn.
type PendingRequest struct {
	TurnID     string
	ThreadID   string
	UserID     string
	ChatID     string
	Text       string
	FilePaths  []string
	EnqueuedAt time.Time
}
