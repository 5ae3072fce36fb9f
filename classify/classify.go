// Package classify maps raw execution outcomes into typed, actionable
// reports.
//
// Two independent analyses are attached to a result's metadata: error
// guidance (on any trap or nonzero exit) and fuel analysis (whenever a fuel
// budget was set). Both run in bounded time regardless of program size and
// never alter stdout, stderr, or the exit code.
package classify

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/enclave/config"
	"github.com/caffeineduck/enclave/engine"
	"github.com/caffeineduck/enclave/runtime"
)

// Kind is the error taxonomy. Not retryable kinds need operator or code
// changes; the rest are recoverable by adjusting budgets or retrying.
type Kind string

const (
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindRuntimeNotLoaded    Kind = "runtime_not_loaded"
	KindOutOfFuel           Kind = "out_of_fuel"
	KindMemoryExhausted     Kind = "memory_exhausted"
	KindTimeout             Kind = "timeout"
	KindPathRestriction     Kind = "path_restriction"
	KindMissingHelper       Kind = "missing_helper_library"
	KindStateCorrupt        Kind = "state_persistence_corrupt"
	KindSessionBusy         Kind = "session_busy"
	KindSessionLimit        Kind = "session_limit_exceeded"
	KindGuestRuntimeError   Kind = "guest_runtime_error"
)

// Metadata keys the classifier writes.
const (
	MetaErrorGuidance = "error_guidance"
	MetaFuelAnalysis  = "fuel_analysis"
)

// Report is the error-guidance entry. Produced fresh per execution, never
// persisted.
type Report struct {
	Kind        Kind     `json:"kind"`
	Message     string   `json:"message"`
	Remediation []string `json:"remediation,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	Docs        []string `json:"docs,omitempty"`
}

// Fuel utilization bands.
const (
	FuelEfficient = "efficient"
	FuelModerate  = "moderate"
	FuelWarning   = "warning"
	FuelCritical  = "critical"
	FuelExhausted = "exhausted"
)

// FuelAnalysis is the budget-utilization entry.
type FuelAnalysis struct {
	Status          string  `json:"status"`
	Utilization     float64 `json:"utilization"`
	Recommendation  string  `json:"recommendation,omitempty"`
	RecommendedFuel uint64  `json:"recommended_fuel,omitempty"`
	LikelyCause     string  `json:"likely_cause,omitempty"`
}

// Classifier annotates execution results. Safe for concurrent use: the rule
// table and policy are immutable after construction.
type Classifier struct {
	policy config.FuelPolicyConfig
	rules  []rule
}

// New creates a Classifier with the given fuel policy and the built-in rule
// table.
func New(policy config.FuelPolicyConfig) *Classifier {
	return &Classifier{policy: policy, rules: defaultRules}
}

// Annotate attaches error guidance and fuel analysis to the result's
// metadata map.
func (c *Classifier) Annotate(res *engine.Result) {
	if res.Metadata == nil {
		res.Metadata = make(map[string]any, 2)
	}
	if res.Failed() {
		res.Metadata[MetaErrorGuidance] = c.classify(res)
	}
	if fa := c.analyzeFuel(res); fa != nil {
		res.Metadata[MetaFuelAnalysis] = fa
	}
}

// classify evaluates the ordered rule table against the trap reason and a
// bounded stderr prefix. It always produces a report when an error occurred:
// absent any match, the raw message passes through under the generic kind.
func (c *Classifier) classify(res *engine.Result) *Report {
	prefix := stderrPrefix(res.Stderr)

	for _, r := range c.rules {
		if r.trap != "" && r.trap != res.TrapReason {
			continue
		}
		if r.pattern != nil {
			m := r.pattern.FindStringSubmatch(prefix)
			if m == nil {
				continue
			}
			return r.report(m)
		}
		if r.trap == "" {
			// A rule with neither trap nor pattern would match everything;
			// the table must not contain one above the fallback.
			continue
		}
		return r.report(nil)
	}

	msg := firstLine(prefix)
	if msg == "" {
		if res.Trapped {
			msg = "execution trapped: " + res.TrapReason
		} else {
			msg = fmt.Sprintf("guest exited with code %d", res.ExitCode)
		}
	}
	return &Report{
		Kind:    KindGuestRuntimeError,
		Message: msg,
		Remediation: []string{
			"Inspect stderr for the guest language's own diagnostics.",
			"Re-run with a smaller reproduction of the failing code.",
		},
	}
}

// analyzeFuel computes the utilization band. Thresholds and recommendation
// multipliers come from the configured policy.
func (c *Classifier) analyzeFuel(res *engine.Result) *FuelAnalysis {
	if res.FuelBudget == 0 {
		return nil
	}

	exhausted := res.TrapReason == engine.TrapOutOfFuel
	u := float64(res.FuelConsumed) / float64(res.FuelBudget)
	if u > 1 {
		u = 1
	}

	fa := &FuelAnalysis{Utilization: u}
	switch {
	case exhausted:
		fa.Status = FuelExhausted
		fa.RecommendedFuel = scaleFuel(res.FuelBudget, c.policy.CriticalMultiplier)
		fa.Recommendation = fmt.Sprintf(
			"Fuel budget exhausted; retry with at least %d units. See the error_guidance entry.", fa.RecommendedFuel)
	case u >= c.policy.CriticalAt:
		fa.Status = FuelCritical
		fa.RecommendedFuel = scaleFuel(res.FuelConsumed, c.policy.CriticalMultiplier)
		fa.Recommendation = fmt.Sprintf(
			"Consumption is within %.0f%% of the budget; raise it to at least %d units.",
			(1-c.policy.CriticalAt)*100, fa.RecommendedFuel)
	case u >= c.policy.WarningAt:
		fa.Status = FuelWarning
		fa.RecommendedFuel = scaleFuel(res.FuelConsumed, c.policy.WarningMultiplier)
		fa.Recommendation = fmt.Sprintf(
			"Consumption is nearing the budget; a budget of %d units leaves headroom.", fa.RecommendedFuel)
	case u >= c.policy.ModerateAt:
		fa.Status = FuelModerate
		fa.Recommendation = "Utilization is moderate; no change needed."
	default:
		fa.Status = FuelEfficient
	}

	if fa.Status != FuelEfficient {
		fa.LikelyCause = likelyCause(res, u, c.policy.WarningAt)
	}
	return fa
}

// ReportForError maps rejections raised before any guest code ran onto the
// taxonomy. Returns nil when the error has no entry; callers fall back to the
// raw error text.
func ReportForError(err error) *Report {
	switch {
	case errors.Is(err, runtime.ErrUnsupportedLanguage):
		return &Report{
			Kind:    KindUnsupportedLanguage,
			Message: err.Error(),
			Remediation: []string{
				"Supported languages: python, javascript.",
				"Use `enclave runtimes` to list the loaded interpreters.",
			},
		}
	case errors.Is(err, runtime.ErrRuntimeNotLoaded):
		return &Report{
			Kind:    KindRuntimeNotLoaded,
			Message: err.Error(),
			Remediation: []string{
				"Fetch the interpreter artifact with `enclave fetch <url> <name>` and check runtimes.artifact_dir in the config.",
			},
		}
	}
	return nil
}

func scaleFuel(base uint64, mult float64) uint64 {
	scaled := uint64(float64(base) * mult)
	if scaled < base {
		return base
	}
	return scaled
}
