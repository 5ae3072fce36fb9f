package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/enclave/config"
)

// emptyModule is the smallest valid WASM binary: magic plus version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeArtifact(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "python.wasm", emptyModule)
	writeArtifact(t, dir, "quickjs.wasm", emptyModule)

	reg, err := LoadAll(config.RuntimesConfig{
		ArtifactDir: dir,
		Artifacts: []config.ArtifactConfig{
			{Language: "python", Path: "python.wasm", Version: "3.12", Capabilities: []string{"json"}},
			{Language: "javascript", Path: "quickjs.wasm", Version: "2024-01-13"},
		},
	})
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	img, err := reg.Get("python")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if img.Version != "3.12" {
		t.Errorf("expected version 3.12, got %s", img.Version)
	}
	if len(img.Binary()) != len(emptyModule) {
		t.Errorf("binary bytes not preserved")
	}

	if len(reg.List()) != 2 {
		t.Errorf("expected 2 images, got %d", len(reg.List()))
	}
	if len(reg.Languages()) != 2 {
		t.Errorf("expected 2 languages, got %d", len(reg.Languages()))
	}
}

func TestLoadAllMissingArtifact(t *testing.T) {
	_, err := LoadAll(config.RuntimesConfig{
		ArtifactDir: t.TempDir(),
		Artifacts: []config.ArtifactConfig{
			{Language: "python", Path: "nope.wasm"},
		},
	})
	if !errors.Is(err, ErrRuntimeNotLoaded) {
		t.Fatalf("expected ErrRuntimeNotLoaded, got %v", err)
	}
}

func TestLoadAllCorruptArtifact(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "bad.wasm", []byte("not a wasm module"))

	_, err := LoadAll(config.RuntimesConfig{
		ArtifactDir: dir,
		Artifacts: []config.ArtifactConfig{
			{Language: "python", Path: "bad.wasm"},
		},
	})
	if !errors.Is(err, ErrRuntimeNotLoaded) {
		t.Fatalf("expected ErrRuntimeNotLoaded, got %v", err)
	}
}

func TestLoadAllUnknownLanguage(t *testing.T) {
	_, err := LoadAll(config.RuntimesConfig{
		ArtifactDir: t.TempDir(),
		Artifacts: []config.ArtifactConfig{
			{Language: "ruby", Path: "ruby.wasm"},
		},
	})
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestGetUnsupported(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "python.wasm", emptyModule)

	reg, err := LoadAll(config.RuntimesConfig{
		ArtifactDir: dir,
		Artifacts: []config.ArtifactConfig{
			{Language: "python", Path: "python.wasm"},
		},
	})
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if _, err := reg.Get("ruby"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage for ruby, got %v", err)
	}
	// Known language without a loaded image reports not-loaded.
	if _, err := reg.Get("javascript"); !errors.Is(err, ErrRuntimeNotLoaded) {
		t.Errorf("expected ErrRuntimeNotLoaded for javascript, got %v", err)
	}
}

func TestArgs(t *testing.T) {
	py := argBuilders["python"]("print(1)")
	if len(py) != 3 || py[0] != "python" || py[1] != "-c" || py[2] != "print(1)" {
		t.Errorf("unexpected python args: %v", py)
	}

	js := argBuilders["javascript"]("1+1")
	if len(js) != 4 || js[0] != "qjs" || js[1] != "--std" || js[2] != "-e" || js[3] != "1+1" {
		t.Errorf("unexpected javascript args: %v", js)
	}
}
