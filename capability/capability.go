// Package capability computes the restricted filesystem view for a single
// execution: exactly one read-write preopen for the session working
// directory, plus configured read-only shared mounts. Anything outside the
// granted set is unreachable from guest code and surfaces as a trap, not a
// silent no-op.
package capability

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
)

// Guest-visible mount points. Fixed so wrapper templates and helper imports
// can rely on them.
const (
	WorkspacePath = "/workspace"
	HelpersPath   = "/helpers"
)

var (
	// ErrEscape means a working directory resolved outside the session root.
	ErrEscape = errors.New("working directory escapes session root")
	// ErrNotDirectory means a configured mount is not a directory.
	ErrNotDirectory = errors.New("mount is not a directory")
)

// Mount maps a host directory to a read-only guest path.
type Mount struct {
	HostPath  string
	GuestPath string
}

// Set is the capability descriptor for one execution: the session working
// directory (read-write) and the shared read-only mounts.
type Set struct {
	Workdir  string // host path, preopened read-write at WorkspacePath
	ReadOnly []Mount
}

// FSConfig renders the descriptor as wazero preopens. The guest sees exactly
// these roots; WASI reports any access outside them as not-capable.
func (s Set) FSConfig() wazero.FSConfig {
	fs := wazero.NewFSConfig().WithDirMount(s.Workdir, WorkspacePath)
	for _, m := range s.ReadOnly {
		fs = fs.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
	}
	return fs
}

// Binder creates capability sets for sessions. All session working
// directories are siblings under one root.
type Binder struct {
	root   string
	shared []Mount
}

// NewBinder creates a binder rooted at dir. Shared mounts (the helper tree)
// are validated once here; a missing helper directory is created empty so
// every session sees an identical read-only view.
func NewBinder(root string, shared []Mount) (*Binder, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve session root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}

	normalized := make([]Mount, 0, len(shared))
	for _, m := range shared {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			return nil, fmt.Errorf("resolve mount %s: %w", m.HostPath, err)
		}
		if err := os.MkdirAll(hp, 0o755); err != nil {
			return nil, fmt.Errorf("create mount %s: %w", hp, err)
		}
		info, err := os.Stat(hp)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotDirectory, hp)
		}
		gp := "/" + strings.Trim(m.GuestPath, "/")
		normalized = append(normalized, Mount{HostPath: hp, GuestPath: gp})
	}

	return &Binder{root: absRoot, shared: normalized}, nil
}

// Root returns the host directory containing all session working directories.
func (b *Binder) Root() string { return b.root }

// Bind creates (if needed) and validates the working directory for a session
// and returns its capability set. The session id becomes the directory name,
// so ids must already be vetted by the caller.
func (b *Binder) Bind(sessionID string) (Set, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") || strings.Contains(sessionID, "..") {
		return Set{}, fmt.Errorf("invalid session id %q", sessionID)
	}

	workdir := filepath.Join(b.root, sessionID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return Set{}, fmt.Errorf("create working directory: %w", err)
	}

	// Reject symlinked workdirs: the preopen must not follow a link out of
	// the session root.
	resolved, err := filepath.EvalSymlinks(workdir)
	if err != nil {
		return Set{}, fmt.Errorf("resolve working directory: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(b.root)
	if err != nil {
		return Set{}, fmt.Errorf("resolve session root: %w", err)
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return Set{}, fmt.Errorf("%w: %s", ErrEscape, workdir)
	}

	return Set{Workdir: workdir, ReadOnly: b.shared}, nil
}

// Remove deletes a session's working directory and everything under it.
func (b *Binder) Remove(sessionID string) error {
	set, err := b.Bind(sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(set.Workdir)
}
