package binding

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSQLite(filepath.Join(dir, "bindings.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetReturnsNotFoundForUnknownBinding(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "user-1", "thread-1")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertThenGetRoundTrips(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "user-1", "thread-1", "sess-abc", "/workspaces/user-1/thread-1"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SessionID != "sess-abc" {
		t.Fatalf("unexpected session id: %q", got.SessionID)
	}
	if got.WorkspacePath != "/workspaces/user-1/thread-1" {
		t.Fatalf("unexpected workspace path: %q", got.WorkspacePath)
	}
	model, err := store.GetModel(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("GetModel failed: %v", err)
	}
	if model != "auto" {
		t.Fatalf("expected default model auto, got %q", model)
	}
}

func TestUpsertPreservesModelOnSessionRebind(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "user-1", "thread-1", "sess-1", "/ws/user-1/thread-1"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.SetModel(ctx, "user-1", "thread-1", "gpt-5"); err != nil {
		t.Fatalf("SetModel failed: %v", err)
	}
	// Rebind to a fresh session (as happens on stale-lock recovery).
	if err := store.Upsert(ctx, "user-1", "thread-1", "sess-2", "/ws/user-1/thread-1"); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	model, err := store.GetModel(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("GetModel failed: %v", err)
	}
	if model != "gpt-5" {
		t.Fatalf("expected model preference to survive rebind, got %q", model)
	}
}

func TestDeleteRemovesBinding(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "user-1", "thread-1", "sess-1", "/ws/user-1/thread-1"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Delete(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "user-1", "thread-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteStaleWorkspacesPurgesBindingsOutsideBasePath(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "user-1", "thread-1", "sess-1", "/workspaces/user-1/thread-1"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Upsert(ctx, "user-2", "thread-2", "sess-2", "/old-workspaces/user-2/thread-2"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	deleted, err := store.DeleteStaleWorkspaces(ctx, "/workspaces")
	if err != nil {
		t.Fatalf("DeleteStaleWorkspaces failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 stale binding deleted, got %d", deleted)
	}
	if _, err := store.Get(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("expected surviving binding, got error: %v", err)
	}
	if _, err := store.Get(ctx, "user-2", "thread-2"); err != ErrNotFound {
		t.Fatalf("expected stale binding removed, got %v", err)
	}
}
