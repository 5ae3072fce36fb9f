// Package wrapper builds the final executable payload from user code plus
// language-specific prologue and epilogue.
//
// The prologue restores the session's persisted state into the reserved
// binding ("state") and injects the helper-loading facility; the epilogue
// serializes the state container back to the reserved state file, dropping
// members that are not representable as JSON (functions, symbols, cycles).
// Both are guest-language source templates embedded at build time.
package wrapper

import (
	_ "embed"
	"fmt"
	"strings"
)

// StateFileName is the reserved state file inside each session working
// directory. Its absence means empty state; it is never an error.
const StateFileName = ".enclave_state.json"

// StateBinding is the reserved top-level name holding the persisted state
// container in guest code.
const StateBinding = "state"

//go:embed templates/helpers.py
var helpersPy string

//go:embed templates/prologue.py
var prologuePy string

//go:embed templates/epilogue.py
var epiloguePy string

//go:embed templates/helpers.js
var helpersJS string

//go:embed templates/prologue.js
var prologueJS string

//go:embed templates/epilogue.js
var epilogueJS string

type templateSet struct {
	helpers  string
	prologue string
	epilogue string
}

var templates = map[string]templateSet{
	"python":     {helpers: helpersPy, prologue: prologuePy, epilogue: epiloguePy},
	"javascript": {helpers: helpersJS, prologue: prologueJS, epilogue: epilogueJS},
}

// Wrap assembles the payload for one execution.
//
// The helper loader is always injected and is idempotent: user code that
// performs the equivalent setup itself causes no conflict. The state
// prologue/epilogue pair is added only when autoPersist is set. If user code
// raises, the interpreter aborts before the epilogue, so the state file is
// left exactly as the last successful save wrote it.
func Wrap(language, code string, autoPersist bool) (string, error) {
	ts, ok := templates[language]
	if !ok {
		return "", fmt.Errorf("no wrapper templates for language %q", language)
	}

	var b strings.Builder
	b.WriteString(ts.helpers)
	b.WriteString("\n")
	if autoPersist {
		b.WriteString(ts.prologue)
		b.WriteString("\n")
	}
	b.WriteString(code)
	if autoPersist {
		b.WriteString("\n")
		b.WriteString(ts.epilogue)
	}
	return b.String(), nil
}

// Languages returns the languages the wrapper has templates for.
func Languages() []string {
	langs := make([]string, 0, len(templates))
	for lang := range templates {
		langs = append(langs, lang)
	}
	return langs
}
