// Package workspace provisions and validates the per-(user, thread) working
// directory that a session's files and downloads live under.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provisioner derives and idempotently creates workspace directories rooted
// at a configured base path: root/{user_id}/{thread_id}/.
type Provisioner struct {
	basePath string
}

// New returns a Provisioner rooted at basePath. basePath is created if
// missing; a non-directory at that path is a startup precondition failure.
func New(basePath string) (*Provisioner, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create base path: %w", err)
	}
	return &Provisioner{basePath: abs}, nil
}

// Path derives the deterministic workspace directory for (userID, threadID)
// without touching the filesystem.
func (p *Provisioner) Path(userID, threadID string) string {
	return filepath.Join(p.basePath, userID, threadID)
}

// Ensure idempotently creates the workspace directory for (userID, threadID)
// and returns its path.
func (p *Provisioner) Ensure(userID, threadID string) (string, error) {
	dir := p.Path(userID, threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create %s: %w", dir, err)
	}
	return dir, nil
}

// BasePath returns the resolved, absolute workspace root.
func (p *Provisioner) BasePath() string {
	return p.basePath
}

// Resolve validates that a path the agent reported (e.g. a send_file tag,
// or a delivered-file target) resolves inside the given workspace
// directory, symlink-aware. It rejects absolute escapes and any path whose
// resolved (symlink-evaluated) location falls outside workspaceDir.
func Resolve(workspaceDir, reported string) (string, error) {
	candidate := reported
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceDir, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolvedWorkspace, err := filepath.EvalSymlinks(workspaceDir)
	if err != nil {
		// The workspace itself may not exist yet for a brand-new session;
		// fall back to the clean, non-symlink-resolved path for containment
		// checks only.
		resolvedWorkspace = filepath.Clean(workspaceDir)
	}

	resolvedCandidate := candidate
	if real, err := filepath.EvalSymlinks(candidate); err == nil {
		resolvedCandidate = real
	}

	rel, err := filepath.Rel(resolvedWorkspace, resolvedCandidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path %q escapes workspace %q", reported, workspaceDir)
	}
	return candidate, nil
}
