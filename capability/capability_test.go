package capability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBindCreatesWorkdir(t *testing.T) {
	b, err := NewBinder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}

	set, err := b.Bind("sess-1")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	info, err := os.Stat(set.Workdir)
	if err != nil {
		t.Fatalf("workdir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("workdir is not a directory")
	}
	if filepath.Base(set.Workdir) != "sess-1" {
		t.Errorf("workdir not named after session: %s", set.Workdir)
	}
}

func TestBindRejectsBadIDs(t *testing.T) {
	b, err := NewBinder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}

	for _, id := range []string{"", "a/b", `a\b`, "../escape", "a..b"} {
		if _, err := b.Bind(id); err == nil {
			t.Errorf("expected error for id %q", id)
		}
	}
}

func TestBindRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	b, err := NewBinder(root, nil)
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}

	if err := os.Symlink(outside, filepath.Join(b.Root(), "linked")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := b.Bind("linked"); !errors.Is(err, ErrEscape) {
		t.Fatalf("expected ErrEscape, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	b, err := NewBinder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}

	set, err := b.Bind("sess-1")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(set.Workdir, "data.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := b.Remove("sess-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(set.Workdir); !os.IsNotExist(err) {
		t.Error("workdir still exists after Remove")
	}
}

func TestSharedMounts(t *testing.T) {
	helpers := t.TempDir()
	b, err := NewBinder(t.TempDir(), []Mount{
		{HostPath: helpers, GuestPath: "helpers"},
	})
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}

	set, err := b.Bind("sess-1")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if len(set.ReadOnly) != 1 {
		t.Fatalf("expected 1 shared mount, got %d", len(set.ReadOnly))
	}
	if set.ReadOnly[0].GuestPath != "/helpers" {
		t.Errorf("guest path not normalized: %s", set.ReadOnly[0].GuestPath)
	}
}

func TestNewBinderCreatesMissingMount(t *testing.T) {
	helpers := filepath.Join(t.TempDir(), "not-yet")
	_, err := NewBinder(t.TempDir(), []Mount{
		{HostPath: helpers, GuestPath: HelpersPath},
	})
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}
	if _, err := os.Stat(helpers); err != nil {
		t.Errorf("missing mount dir not created: %v", err)
	}
}

func TestNewBinderRejectsFileMount(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := NewBinder(t.TempDir(), []Mount{
		{HostPath: file, GuestPath: HelpersPath},
	})
	if err == nil {
		t.Fatal("expected error for file mount")
	}
}
