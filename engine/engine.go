// Package engine runs wrapped payloads in isolated guest-runtime instances
// under fuel, memory, and wall-clock limits.
//
// Every execution gets a fresh wazero runtime bound to its capability set;
// no instance is ever reused, so nothing leaks between unrelated calls. A
// shared compilation cache keeps per-execution compile cost near zero after
// the first run of each language. The pipeline never raises for guest
// failure: traps and nonzero exits are encoded in the Result.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/caffeineduck/enclave/capability"
	"github.com/caffeineduck/enclave/metrics"
	"github.com/caffeineduck/enclave/runtime"
)

// Trap reasons recorded on Result.TrapReason.
const (
	TrapOutOfFuel = "out_of_fuel"
	TrapTimeout   = "timeout"
	TrapCanceled  = "canceled"
	TrapMemory    = "memory"
	TrapAbort     = "abort"
)

const wasmPageSize = 65536

// maxOutputBytes caps captured stdout/stderr per stream.
const maxOutputBytes = 1 << 20

// Limits are the resource ceilings for one execution. Immutable once a run
// starts.
type Limits struct {
	Fuel        uint64
	MemoryBytes int64
	Timeout     time.Duration
}

// MemoryPages converts the byte ceiling to WASM pages, rounding up.
func (l Limits) MemoryPages() uint32 {
	if l.MemoryBytes <= 0 {
		return 0
	}
	pages := (l.MemoryBytes + wasmPageSize - 1) / wasmPageSize
	return uint32(pages)
}

// Result is the complete outcome of one execution. Immutable once returned.
type Result struct {
	ID           string
	Stdout       string
	Stderr       string
	ExitCode     int
	Duration     time.Duration
	FuelConsumed uint64
	FuelBudget   uint64
	Trapped      bool
	TrapReason   string
	Truncated    bool
	Metadata     map[string]any
}

// Failed reports whether the execution trapped or exited nonzero.
func (r Result) Failed() bool {
	return r.Trapped || r.ExitCode != 0
}

// Engine is the execution pipeline. Safe for concurrent use; executions on
// distinct sessions run fully in parallel.
type Engine struct {
	cache   wazero.CompilationCache
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

// Option configures the Engine at creation time.
type Option func(*engineConfig)

type engineConfig struct {
	cacheDir string
	metrics  *metrics.Metrics
}

// WithCacheDir enables a persistent compilation cache, cutting cold-start
// compile cost across process restarts.
func WithCacheDir(dir string) Option {
	return func(c *engineConfig) { c.cacheDir = dir }
}

// WithMetrics attaches prometheus instrumentation to the pipeline.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *engineConfig) { c.metrics = m }
}

// New creates an Engine.
func New(opts ...Option) (*Engine, error) {
	var cfg engineConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.cacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, err
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Engine{cache: cache, metrics: cfg.metrics}, nil
}

// Run executes a wrapped payload under the given limits and capability set.
// It always returns a well-formed Result; all guest failure is encoded in
// it, never raised.
func (e *Engine) Run(ctx context.Context, img *runtime.Image, payload string, limits Limits, caps capability.Set) Result {
	execID := uuid.New().String()
	start := time.Now()

	codeHash := sha256.Sum256([]byte(payload))
	logger := log.With().
		Str("exec_id", execID).
		Str("language", img.Language).
		Str("code_sha", hex.EncodeToString(codeHash[:8])).
		Logger()

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	fuel := newMeter(limits.Fuel)

	// The listener factory rides the compile context; the meter rides the
	// run context. One cached artifact, one budget per execution.
	runCtx := experimental.WithFunctionListenerFactory(ctx, fuelListeners{})
	runCtx = withMeter(runCtx, fuel)

	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, limits.Timeout)
		defer cancel()
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(e.cache)
	if pages := limits.MemoryPages(); pages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(pages)
	}

	rt := wazero.NewRuntimeWithConfig(runCtx, rtConfig)
	defer rt.Close(context.Background())

	wasi_snapshot_preview1.MustInstantiate(context.Background(), rt)

	compiled, err := rt.CompileModule(runCtx, img.Binary())
	if err != nil {
		// The registry validated this artifact at startup; reaching here
		// means the image is unusable, which the result still has to carry.
		logger.Error().Err(err).Msg("compile failed for validated artifact")
		return Result{
			ID:         execID,
			Stderr:     "runtime image unusable: " + err.Error(),
			Trapped:    true,
			TrapReason: TrapAbort,
			Duration:   time.Since(start),
			FuelBudget: limits.Fuel,
		}
	}

	stdout := newOutputBuffer(maxOutputBytes)
	stderr := newOutputBuffer(maxOutputBytes)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs(img.Args(payload)...).
		WithFSConfig(caps.FSConfig()).
		WithName("")

	mod, runErr := rt.InstantiateModule(runCtx, compiled, moduleConfig)
	if mod != nil {
		mod.Close(context.Background())
	}

	res := Result{
		ID:           execID,
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		Duration:     time.Since(start),
		FuelConsumed: fuel.consumed(),
		FuelBudget:   limits.Fuel,
		Truncated:    stdout.Truncated() || stderr.Truncated(),
	}

	e.annotate(&res, runErr, fuel, runCtx)

	logger.Info().
		Int("exit_code", res.ExitCode).
		Bool("trapped", res.Trapped).
		Str("trap_reason", res.TrapReason).
		Uint64("fuel_consumed", res.FuelConsumed).
		Dur("duration", res.Duration).
		Msg("execution finished")

	if e.metrics != nil {
		e.metrics.ObserveExecution(img.Language, res.Trapped, res.TrapReason, res.ExitCode, res.Duration, res.FuelConsumed)
	}

	return res
}

// annotate maps the raw instantiate error onto the result's trap fields.
func (e *Engine) annotate(res *Result, runErr error, fuel *meter, runCtx context.Context) {
	// Fuel exhaustion closed the module itself; it wins over whatever error
	// shape the teardown surfaced as.
	if fuel.isExhausted() {
		res.Trapped = true
		res.TrapReason = TrapOutOfFuel
		res.FuelConsumed = res.FuelBudget
		return
	}

	if runErr == nil {
		return
	}

	var exitErr *sys.ExitError
	if errors.As(runErr, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case 0:
			// Clean proc_exit(0).
		case sys.ExitCodeDeadlineExceeded:
			res.Trapped = true
			res.TrapReason = TrapTimeout
		case sys.ExitCodeContextCanceled:
			res.Trapped = true
			res.TrapReason = TrapCanceled
		case ExitCodeOutOfFuel:
			res.Trapped = true
			res.TrapReason = TrapOutOfFuel
			res.FuelConsumed = res.FuelBudget
		default:
			res.ExitCode = int(code)
		}
		return
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Trapped = true
		res.TrapReason = TrapTimeout
		return
	}

	res.Trapped = true
	if strings.Contains(runErr.Error(), "out of memory") {
		res.TrapReason = TrapMemory
	} else {
		res.TrapReason = TrapAbort
	}
	if res.Stderr == "" {
		res.Stderr = runErr.Error()
	}
}

// Close releases the compilation cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.cache.Close(context.Background())
}

// outputBuffer is a mutex-guarded, size-capped capture buffer. The guest
// writes from the runtime goroutine while timeouts read from the caller's.
type outputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (o *outputBuffer) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(data)
	if remaining := o.limit - o.buf.Len(); remaining < n {
		if remaining > 0 {
			o.buf.Write(data[:remaining])
		}
		o.truncated = true
		return n, nil
	}
	o.buf.Write(data)
	return n, nil
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func (o *outputBuffer) Truncated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.truncated
}
