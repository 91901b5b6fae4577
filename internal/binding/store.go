// Package binding persists the gateway's thread<->session mapping.
package binding

import (
	"context"
	"errors"

	"github.com/mmikhailov/agentrelay/internal/domain"
)

// ErrNotFound is returned when no binding exists for a (user_id, thread_id).
var ErrNotFound = errors.New("binding: not found")

// Store is the external key/value store for ThreadSessionBinding records.
// Implementations must be safe for concurrent use by multiple Turn
// Orchestrators.
type Store interface {
	// Get returns the binding for (userID, threadID), or ErrNotFound.
	Get(ctx context.Context, userID, threadID string) (*domain.ThreadSessionBinding, error)

	// Upsert creates or replaces the session_id/workspace_path for a binding.
	Upsert(ctx context.Context, userID, threadID, sessionID, workspacePath string) error

	// Delete removes a binding entirely (used on stale-lock recovery).
	Delete(ctx context.Context, userID, threadID string) error

	// SetModel updates the model preference for a binding.
	SetModel(ctx context.Context, userID, threadID, model string) error

	// GetModel returns the model preference, or "auto" if unset.
	GetModel(ctx context.Context, userID, threadID string) (string, error)

	// DeleteStaleWorkspaces removes bindings whose workspace_path no longer
	// falls under basePath, left over from a changed WORKSPACE_BASE_PATH
	// across redeployments.
	DeleteStaleWorkspaces(ctx context.Context, basePath string) (int64, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
