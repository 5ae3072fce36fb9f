// Package runtime loads and serves guest interpreter images.
//
// Each supported guest language maps to one versioned WASM artifact, loaded
// and validated once at process start. The registry is immutable afterwards,
// so concurrent readers need no locking.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"

	"github.com/caffeineduck/enclave/config"
)

var (
	// ErrUnsupportedLanguage means no artifact is configured for the language.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrRuntimeNotLoaded means the language is known but its image failed to load.
	ErrRuntimeNotLoaded = errors.New("runtime not loaded")
)

// Image is an immutable, versioned interpreter artifact for one guest
// language. Shared read-only across all sessions.
type Image struct {
	Language     string
	Version      string
	Capabilities []string

	binary []byte
	args   func(payload string) []string
}

// Binary returns the raw WASM module bytes.
func (img *Image) Binary() []byte { return img.binary }

// Args returns the interpreter invocation for the given payload.
func (img *Image) Args(payload string) []string { return img.args(payload) }

// Info describes a loaded image for listing.
type Info struct {
	Language     string   `json:"language"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// argBuilders maps language identifiers to interpreter invocations.
// Payloads are passed inline, mirroring `python -c` / `qjs -e`.
var argBuilders = map[string]func(payload string) []string{
	"python": func(payload string) []string {
		return []string{"python", "-c", payload}
	},
	"javascript": func(payload string) []string {
		return []string{"qjs", "--std", "-e", payload}
	},
}

// Registry holds one loaded image per supported language. Populated once by
// LoadAll and never mutated thereafter.
type Registry struct {
	images map[string]*Image
}

// LoadAll reads, validates, and registers every configured artifact.
// A missing or corrupt artifact is fatal: the engine must not start with a
// partially usable language set.
func LoadAll(cfg config.RuntimesConfig) (*Registry, error) {
	ctx := context.Background()

	// Throwaway runtime used only to reject corrupt artifacts at startup.
	checker := wazero.NewRuntime(ctx)
	defer checker.Close(ctx)

	images := make(map[string]*Image, len(cfg.Artifacts))
	for _, a := range cfg.Artifacts {
		builder, ok := argBuilders[a.Language]
		if !ok {
			return nil, fmt.Errorf("%w: %q has no interpreter adapter", ErrUnsupportedLanguage, a.Language)
		}

		path := cfg.ArtifactPath(a)
		binary, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s artifact %s: %v", ErrRuntimeNotLoaded, a.Language, path, err)
		}

		compiled, err := checker.CompileModule(ctx, binary)
		if err != nil {
			return nil, fmt.Errorf("%w: %s artifact %s is not a valid module: %v", ErrRuntimeNotLoaded, a.Language, path, err)
		}
		compiled.Close(ctx)

		images[a.Language] = &Image{
			Language:     a.Language,
			Version:      a.Version,
			Capabilities: a.Capabilities,
			binary:       binary,
			args:         builder,
		}

		log.Info().
			Str("language", a.Language).
			Str("version", a.Version).
			Int("size_bytes", len(binary)).
			Msg("runtime image loaded")
	}

	return &Registry{images: images}, nil
}

// Get returns the image for a language.
func (r *Registry) Get(language string) (*Image, error) {
	img, ok := r.images[language]
	if !ok {
		if _, known := argBuilders[language]; known {
			return nil, fmt.Errorf("%w: %s", ErrRuntimeNotLoaded, language)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return img, nil
}

// List returns metadata for all loaded images.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.images))
	for _, img := range r.images {
		infos = append(infos, Info{
			Language:     img.Language,
			Version:      img.Version,
			Capabilities: img.Capabilities,
		})
	}
	return infos
}

// Languages returns the loaded language identifiers.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.images))
	for lang := range r.images {
		langs = append(langs, lang)
	}
	return langs
}
