package classify

import (
	"regexp"
	"strings"

	"github.com/caffeineduck/enclave/engine"
)

// stderrLimit bounds how much stderr the rule table scans. Matching cost
// stays independent of program output size.
const stderrLimit = 10 * 1024

// rule is one entry in the ordered classification table. A rule matches when
// its trap reason (if any) equals the result's and its pattern (if any) is
// found in the stderr prefix. First match wins.
type rule struct {
	trap        string
	pattern     *regexp.Regexp
	kind        Kind
	message     string // $1 expands to the pattern's first capture group
	remediation []string
	examples    []string
	docs        []string
}

func (r rule) report(match []string) *Report {
	expand := func(s string) string { return s }
	if len(match) > 1 {
		capture := match[1]
		expand = func(s string) string { return strings.ReplaceAll(s, "$1", capture) }
	}

	rep := &Report{
		Kind:    r.kind,
		Message: expand(r.message),
		Docs:    r.docs,
	}
	for _, s := range r.remediation {
		rep.Remediation = append(rep.Remediation, expand(s))
	}
	for _, s := range r.examples {
		rep.Examples = append(rep.Examples, expand(s))
	}
	return rep
}

// defaultRules is evaluated top to bottom. Extend by appending entries; the
// classification algorithm never changes with the table.
var defaultRules = []rule{
	{
		trap:    engine.TrapOutOfFuel,
		kind:    KindOutOfFuel,
		message: "instruction budget exhausted before the program finished",
		remediation: []string{
			"Retry with a larger fuel budget (the fuel_analysis entry recommends one).",
			"Split the work into smaller executions; session state carries intermediate results.",
			"Check for unbounded loops; fuel exhaustion usually means the program never converged.",
		},
	},
	{
		trap:    engine.TrapTimeout,
		kind:    KindTimeout,
		message: "wall-clock limit exceeded; the instance was forcibly torn down",
		remediation: []string{
			"Retry with a longer timeout if the work is legitimately slow.",
			"Persisted session state is intact as of the last completed execution.",
		},
	},
	{
		trap:    engine.TrapCanceled,
		kind:    KindTimeout,
		message: "execution canceled by the caller before completion",
		remediation: []string{
			"Retry the execution; no session state was modified mid-write.",
		},
	},
	{
		trap:    engine.TrapMemory,
		kind:    KindMemoryExhausted,
		message: "memory ceiling breached",
		remediation: []string{
			"Retry with a larger memory limit.",
			"Reduce the working set: process data in chunks rather than all at once.",
		},
	},
	{
		pattern: regexp.MustCompile(`MemoryError|memory allocation (?:of .+ bytes )?failed|out of memory`),
		kind:    KindMemoryExhausted,
		message: "the guest ran out of memory inside its ceiling",
		remediation: []string{
			"Retry with a larger memory limit.",
			"Avoid building large intermediate structures; stream or chunk the data.",
		},
	},
	{
		pattern: regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
		kind:    KindMissingHelper,
		message: "no helper library named \"$1\" is installed",
		remediation: []string{
			"Only vendored helpers under /helpers are importable; there is no package index access at run time.",
			"Install the helper with `enclave helpers install $1` and re-run.",
		},
		examples: []string{`import $1  # works once the helper is vendored`},
	},
	{
		pattern: regexp.MustCompile(`helper not found: ([A-Za-z0-9_\-]+)`),
		kind:    KindMissingHelper,
		message: "no helper library named \"$1\" is installed",
		remediation: []string{
			"Only vendored helpers under /helpers are loadable by name.",
			"Install the helper with `enclave helpers install $1` and re-run.",
		},
		examples: []string{`loadHelper("$1")`},
	},
	{
		pattern: regexp.MustCompile(`PermissionError|NotCapable|Operation not permitted|EPERM\b|EACCES\b|ENOTCAPABLE`),
		kind:    KindPathRestriction,
		message: "filesystem access outside the granted capability set",
		remediation: []string{
			"Guest code may read and write only under /workspace (read-write) and /helpers (read-only).",
			"Write outputs into /workspace; no path outside the preopened roots exists for the guest.",
		},
		examples: []string{`open("/workspace/out.txt", "w").write(data)`},
	},
	{
		pattern: regexp.MustCompile(`RecursionError|Maximum call stack size exceeded|stack overflow`),
		kind:    KindGuestRuntimeError,
		message: "recursion limit exceeded",
		remediation: []string{
			"Convert deep recursion to iteration, or reduce the input depth.",
		},
	},
	{
		pattern: regexp.MustCompile(`SyntaxError: ([^\n]+)`),
		kind:    KindGuestRuntimeError,
		message: "syntax error: $1",
		remediation: []string{
			"Fix the reported syntax error; the engine runs the code exactly as submitted.",
		},
	},
	{
		pattern: regexp.MustCompile(`NameError: name '([^']+)' is not defined`),
		kind:    KindGuestRuntimeError,
		message: "name \"$1\" is not defined",
		remediation: []string{
			"Define the name before use, or read it from the persisted state container if it was set in an earlier execution of this session.",
		},
		examples: []string{`state["$1"] = compute_value()`},
	},
	// Last so a specific failure cause in the same stderr wins over the
	// prologue's recovery diagnostic.
	{
		pattern: regexp.MustCompile(`enclave: state file (?:corrupt|did not hold an object)`),
		kind:    KindStateCorrupt,
		message: "persisted state could not be parsed and was reset to empty",
		remediation: []string{
			"The state file was not a valid JSON object; this execution started from empty state.",
			"Re-populate the values you need in the state container; the next successful save rewrites the file.",
		},
	},
}

// heavyImportMarkers are cheap signatures of known-expensive guest imports.
// Scanning for them is the only likely-cause detection performed; guest code
// is never parsed.
var heavyImportMarkers = []string{
	"sympy",
	"decimal",
	"unicodedata",
	"xml.dom",
	"asyncio",
}

func likelyCause(res *engine.Result, utilization, warningAt float64) string {
	prefix := stderrPrefix(res.Stderr)
	for _, marker := range heavyImportMarkers {
		if strings.Contains(prefix, marker) {
			return "heavy import detected (" + marker + "); import cost alone can dominate small budgets"
		}
	}
	if utilization >= warningAt {
		return "no dominant cause identified; consumption is likely spread across the whole program"
	}
	return ""
}

func stderrPrefix(s string) string {
	if len(s) > stderrLimit {
		return s[:stderrLimit]
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		// Python puts the informative line last in a traceback.
		lines := strings.Split(s, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				return line
			}
		}
	}
	return s
}
