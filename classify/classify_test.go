package classify

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/caffeineduck/enclave/config"
	"github.com/caffeineduck/enclave/engine"
	"github.com/caffeineduck/enclave/runtime"
)

func newTestClassifier() *Classifier {
	return New(config.FuelPolicyConfig{
		ModerateAt:         0.5,
		WarningAt:          0.75,
		CriticalAt:         0.90,
		WarningMultiplier:  1.5,
		CriticalMultiplier: 2.0,
	})
}

func guidance(t *testing.T, res *engine.Result) *Report {
	t.Helper()
	report, ok := res.Metadata[MetaErrorGuidance].(*Report)
	if !ok {
		t.Fatal("no error_guidance entry in metadata")
	}
	return report
}

func fuelAnalysis(t *testing.T, res *engine.Result) *FuelAnalysis {
	t.Helper()
	fa, ok := res.Metadata[MetaFuelAnalysis].(*FuelAnalysis)
	if !ok {
		t.Fatal("no fuel_analysis entry in metadata")
	}
	return fa
}

func TestOutOfFuel(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		Trapped:      true,
		TrapReason:   engine.TrapOutOfFuel,
		FuelConsumed: 1000,
		FuelBudget:   1000,
	}
	c.Annotate(&res)

	report := guidance(t, &res)
	if report.Kind != KindOutOfFuel {
		t.Errorf("expected out_of_fuel, got %s", report.Kind)
	}
	if len(report.Remediation) == 0 {
		t.Error("expected remediation steps")
	}

	fa := fuelAnalysis(t, &res)
	if fa.Status != FuelExhausted {
		t.Errorf("expected exhausted status, got %s", fa.Status)
	}
	if fa.RecommendedFuel != 2000 {
		t.Errorf("expected recommended fuel 2000, got %d", fa.RecommendedFuel)
	}
}

func TestModerateUtilizationNoGuidance(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode:     0,
		FuelConsumed: 600,
		FuelBudget:   1000,
	}
	c.Annotate(&res)

	if _, ok := res.Metadata[MetaErrorGuidance]; ok {
		t.Error("successful execution must not carry error guidance")
	}
	fa := fuelAnalysis(t, &res)
	if fa.Status != FuelModerate {
		t.Errorf("expected moderate status, got %s", fa.Status)
	}
}

func TestFuelBands(t *testing.T) {
	c := newTestClassifier()
	cases := []struct {
		consumed uint64
		status   string
	}{
		{100, FuelEfficient},
		{500, FuelModerate},
		{750, FuelWarning},
		{900, FuelCritical},
	}
	for _, tc := range cases {
		res := engine.Result{FuelConsumed: tc.consumed, FuelBudget: 1000}
		c.Annotate(&res)
		fa := fuelAnalysis(t, &res)
		if fa.Status != tc.status {
			t.Errorf("consumed=%d: expected %s, got %s", tc.consumed, tc.status, fa.Status)
		}
	}
}

func TestWarningRecommendation(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{FuelConsumed: 800, FuelBudget: 1000}
	c.Annotate(&res)

	fa := fuelAnalysis(t, &res)
	if fa.Status != FuelWarning {
		t.Fatalf("expected warning, got %s", fa.Status)
	}
	if fa.RecommendedFuel != 1200 {
		t.Errorf("expected recommendation 1200 (1.5x consumed), got %d", fa.RecommendedFuel)
	}
}

func TestNoBudgetNoAnalysis(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{FuelConsumed: 100}
	c.Annotate(&res)
	if _, ok := res.Metadata[MetaFuelAnalysis]; ok {
		t.Error("no budget set, analysis must be absent")
	}
}

func TestTimeout(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{Trapped: true, TrapReason: engine.TrapTimeout}
	c.Annotate(&res)

	if report := guidance(t, &res); report.Kind != KindTimeout {
		t.Errorf("expected timeout, got %s", report.Kind)
	}
}

func TestMissingHelperPython(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr: `Traceback (most recent call last):
  File "<string>", line 1, in <module>
ModuleNotFoundError: No module named 'requests'
`,
	}
	c.Annotate(&res)

	report := guidance(t, &res)
	if report.Kind != KindMissingHelper {
		t.Fatalf("expected missing_helper_library, got %s", report.Kind)
	}
	if !strings.Contains(report.Message, "requests") {
		t.Errorf("helper name not expanded into message: %q", report.Message)
	}
	for _, step := range report.Remediation {
		if strings.Contains(step, "$1") {
			t.Errorf("capture not expanded in remediation: %q", step)
		}
	}
	found := false
	for _, step := range report.Remediation {
		if strings.Contains(step, "enclave helpers install requests") {
			found = true
		}
	}
	if !found {
		t.Errorf("remediation should name the missing helper: %v", report.Remediation)
	}
	for _, ex := range report.Examples {
		if strings.Contains(ex, "$1") {
			t.Errorf("capture not expanded in example: %q", ex)
		}
	}
}

func TestMissingHelperJavascript(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr:   "Error: helper not found: lodash\n",
	}
	c.Annotate(&res)

	report := guidance(t, &res)
	if report.Kind != KindMissingHelper {
		t.Fatalf("expected missing_helper_library, got %s", report.Kind)
	}
	if !strings.Contains(report.Message, "lodash") {
		t.Errorf("helper name not expanded into message: %q", report.Message)
	}
}

func TestPathRestriction(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr:   "PermissionError: [Errno 1] Operation not permitted: '/etc/passwd'\n",
	}
	c.Annotate(&res)

	report := guidance(t, &res)
	if report.Kind != KindPathRestriction {
		t.Fatalf("expected path_restriction, got %s", report.Kind)
	}
}

func TestMemoryErrorPattern(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr:   "MemoryError\n",
	}
	c.Annotate(&res)

	if report := guidance(t, &res); report.Kind != KindMemoryExhausted {
		t.Errorf("expected memory_exhausted, got %s", report.Kind)
	}
}

func TestGenericFallback(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr: `Traceback (most recent call last):
  File "<string>", line 1, in <module>
ZeroDivisionError: division by zero
`,
	}
	c.Annotate(&res)

	report := guidance(t, &res)
	if report.Kind != KindGuestRuntimeError {
		t.Fatalf("expected guest_runtime_error, got %s", report.Kind)
	}
	if !strings.Contains(report.Message, "ZeroDivisionError") {
		t.Errorf("raw message not carried through: %q", report.Message)
	}
}

func TestFallbackNoStderr(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{ExitCode: 3}
	c.Annotate(&res)

	report := guidance(t, &res)
	if report.Kind != KindGuestRuntimeError {
		t.Fatalf("expected guest_runtime_error, got %s", report.Kind)
	}
	if !strings.Contains(report.Message, "3") {
		t.Errorf("exit code missing from message: %q", report.Message)
	}
}

func TestNameErrorSuggestsState(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr:   "NameError: name 'counter' is not defined\n",
	}
	c.Annotate(&res)

	report := guidance(t, &res)
	if !strings.Contains(report.Message, "counter") {
		t.Errorf("name not expanded: %q", report.Message)
	}
	found := false
	for _, ex := range report.Examples {
		if strings.Contains(ex, "counter") {
			found = true
		}
	}
	if !found {
		t.Error("examples should reference the undefined name")
	}
}

func TestHeavyImportCause(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		Trapped:      true,
		TrapReason:   engine.TrapOutOfFuel,
		FuelConsumed: 1000,
		FuelBudget:   1000,
		Stderr:       "... import sympy ...",
	}
	c.Annotate(&res)

	fa := fuelAnalysis(t, &res)
	if !strings.Contains(fa.LikelyCause, "sympy") {
		t.Errorf("expected heavy import cause, got %q", fa.LikelyCause)
	}
}

func TestStderrScanIsBounded(t *testing.T) {
	c := newTestClassifier()
	// The match sits beyond the scan limit; the generic kind must apply.
	res := engine.Result{
		ExitCode: 1,
		Stderr:   strings.Repeat("x", stderrLimit) + "\nPermissionError: nope\n",
	}
	c.Annotate(&res)

	if report := guidance(t, &res); report.Kind == KindPathRestriction {
		t.Error("rule matched beyond the stderr scan limit")
	}
}

func TestStateCorruptDiagnostic(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr:   "enclave: state file corrupt, starting empty: Expecting value: line 1 column 1 (char 0)\n",
	}
	c.Annotate(&res)

	if report := guidance(t, &res); report.Kind != KindStateCorrupt {
		t.Errorf("expected state_persistence_corrupt, got %s", report.Kind)
	}
}

func TestStateCorruptLosesToSpecificCause(t *testing.T) {
	c := newTestClassifier()
	res := engine.Result{
		ExitCode: 1,
		Stderr: "enclave: state file corrupt, starting empty: bad\n" +
			"NameError: name 'x' is not defined\n",
	}
	c.Annotate(&res)

	// The failure's own cause outranks the prologue's recovery diagnostic.
	if report := guidance(t, &res); report.Kind != KindGuestRuntimeError {
		t.Errorf("expected guest_runtime_error, got %s", report.Kind)
	}
}

func TestReportForError(t *testing.T) {
	err := fmt.Errorf("%w: ruby", runtime.ErrUnsupportedLanguage)
	report := ReportForError(err)
	if report == nil || report.Kind != KindUnsupportedLanguage {
		t.Fatalf("expected unsupported_language report, got %+v", report)
	}

	err = fmt.Errorf("%w: python", runtime.ErrRuntimeNotLoaded)
	report = ReportForError(err)
	if report == nil || report.Kind != KindRuntimeNotLoaded {
		t.Fatalf("expected runtime_not_loaded report, got %+v", report)
	}

	if report := ReportForError(errors.New("plain")); report != nil {
		t.Errorf("unmapped error must yield nil, got %+v", report)
	}
}

func TestScaleFuel(t *testing.T) {
	if got := scaleFuel(1000, 1.5); got != 1500 {
		t.Errorf("expected 1500, got %d", got)
	}
	if got := scaleFuel(1000, 0.5); got != 1000 {
		t.Errorf("scaling must never shrink the base, got %d", got)
	}
}
