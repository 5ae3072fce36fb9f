// Package session orchestrates session lifecycle and execution.
//
// A session is a durable binding between a caller identity and persisted
// guest state across independent executions. Records live in a sqlite store;
// the persisted-state blob lives in the session's working directory. The
// Manager serializes all mutating access per session id: two concurrent
// executions on the same session are never interleaved; the second is
// rejected as busy. Executions on distinct sessions run fully in parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/caffeineduck/enclave/capability"
	"github.com/caffeineduck/enclave/classify"
	"github.com/caffeineduck/enclave/config"
	"github.com/caffeineduck/enclave/engine"
	"github.com/caffeineduck/enclave/metrics"
	"github.com/caffeineduck/enclave/runtime"
	"github.com/caffeineduck/enclave/wrapper"
)

var (
	// ErrSessionBusy means an execution is already in flight on the session.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionLimitExceeded means the transport key reached its session ceiling.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrLanguageMismatch means the request names a different language than the session.
	ErrLanguageMismatch = errors.New("language does not match session")
	// ErrManagerClosed means the manager has shut down.
	ErrManagerClosed = errors.New("session manager closed")
)

// DefaultTransportKey is the process-lifetime binding key used when a caller
// supplies none (single-stream transports). Multiplexed transports pass
// their own session token instead.
const DefaultTransportKey = "local"

// Runner executes a wrapped payload. Satisfied by *engine.Engine; tests
// substitute stubs.
type Runner interface {
	Run(ctx context.Context, img *runtime.Image, payload string, limits engine.Limits, caps capability.Set) engine.Result
}

// ExecuteRequest asks for one execution. Transient, never persisted.
type ExecuteRequest struct {
	Language     string
	Code         string
	SessionID    string // empty = ephemeral execution, no persistence
	TransportKey string // empty = DefaultTransportKey

	// Per-call limit overrides; zero values fall back to the session's
	// limits, which fall back to the configured defaults. All are clamped
	// to the configured maximums.
	Fuel        uint64
	MemoryBytes int64
	Timeout     time.Duration
}

// CreateRequest asks for an explicit session.
type CreateRequest struct {
	Language     string
	TransportKey string
	Fuel         uint64
	MemoryBytes  int64
	Timeout      time.Duration
	AutoPersist  *bool // nil = configured default
}

// Info is the caller-visible view of a session record.
type Info struct {
	ID             string        `json:"id"`
	Language       string        `json:"language"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActiveAt   time.Time     `json:"last_active_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	ExecutionCount int64         `json:"execution_count"`
	AutoPersist    bool          `json:"auto_persist"`
	Fuel           uint64        `json:"fuel"`
	MemoryBytes    int64         `json:"memory_bytes"`
	Timeout        time.Duration `json:"timeout"`
}

// Manager orchestrates session creation, execution, eviction, and
// destruction. Safe for concurrent use.
type Manager struct {
	store      *Store
	reg        *runtime.Registry
	binder     *capability.Binder
	runner     Runner
	classifier *classify.Classifier
	cfg        *config.Config
	metrics    *metrics.Metrics
	ownsEngine *engine.Engine

	mu     sync.Mutex
	cond   *sync.Cond
	active map[string]bool // session ids with an execution in flight
	closed bool

	stop chan struct{}
	done chan struct{}
}

// ManagerOption configures the Manager at creation time.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	runner  Runner
	metrics *metrics.Metrics
}

// WithRunner substitutes the execution pipeline. Used by tests.
func WithRunner(r Runner) ManagerOption {
	return func(c *managerConfig) { c.runner = r }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(c *managerConfig) { c.metrics = m }
}

// NewManager creates a Manager with its store, binder, classifier, and
// (unless substituted) a real execution engine. The eviction janitor starts
// immediately.
func NewManager(reg *runtime.Registry, cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	var mc managerConfig
	for _, opt := range opts {
		opt(&mc)
	}

	var shared []capability.Mount
	if cfg.Helpers.Dir != "" {
		shared = append(shared, capability.Mount{
			HostPath:  cfg.Helpers.Dir,
			GuestPath: capability.HelpersPath,
		})
	}

	binder, err := capability.NewBinder(cfg.Sessions.RootDir, shared)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg.Sessions.DBPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:      store,
		reg:        reg,
		binder:     binder,
		classifier: classify.New(cfg.FuelPolicy),
		cfg:        cfg,
		metrics:    mc.metrics,
		runner:     mc.runner,
		active:     make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	if m.runner == nil {
		eng, err := engine.New(
			engine.WithCacheDir(cfg.Runtimes.CacheDir),
			engine.WithMetrics(mc.metrics),
		)
		if err != nil {
			store.Close()
			return nil, err
		}
		m.runner = eng
		m.ownsEngine = eng
	}

	go m.janitor()
	return m, nil
}

// Execute resolves (or creates) the session, runs the code under its limits,
// annotates the result, and updates the record. Guest failure is encoded in
// the result; the returned error covers only engine-level conditions
// (unknown language, busy session, session ceiling).
func (m *Manager) Execute(ctx context.Context, req ExecuteRequest) (engine.Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return engine.Result{}, ErrManagerClosed
	}
	m.mu.Unlock()

	if req.SessionID == "" {
		return m.executeEphemeral(ctx, req)
	}

	rec, err := m.resolveSession(ctx, req)
	if err != nil {
		return engine.Result{}, err
	}

	img, err := m.reg.Get(rec.Language)
	if err != nil {
		return engine.Result{}, err
	}

	if err := m.acquire(rec.ID); err != nil {
		return engine.Result{}, err
	}
	defer m.release(rec.ID)

	caps, err := m.binder.Bind(rec.ID)
	if err != nil {
		return engine.Result{}, err
	}

	payload, err := wrapper.Wrap(rec.Language, req.Code, rec.AutoPersist)
	if err != nil {
		return engine.Result{}, err
	}

	res := m.runner.Run(ctx, img, payload, m.limitsFor(rec, req), caps)
	m.classifier.Annotate(&res)

	if err := m.store.Touch(context.Background(), rec.ID, time.Now()); err != nil {
		// The execution already happened; losing the bookkeeping update is
		// logged, not surfaced.
		log.Error().Err(err).Str("session_id", rec.ID).Msg("session touch failed")
	}

	return res, nil
}

// executeEphemeral runs without a session: fresh working directory, no
// persistence, removed afterwards.
func (m *Manager) executeEphemeral(ctx context.Context, req ExecuteRequest) (engine.Result, error) {
	img, err := m.reg.Get(req.Language)
	if err != nil {
		return engine.Result{}, err
	}

	id := "ephemeral-" + uuid.New().String()
	caps, err := m.binder.Bind(id)
	if err != nil {
		return engine.Result{}, err
	}
	defer func() {
		if err := m.binder.Remove(id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("ephemeral workdir cleanup failed")
		}
	}()

	payload, err := wrapper.Wrap(req.Language, req.Code, false)
	if err != nil {
		return engine.Result{}, err
	}

	res := m.runner.Run(ctx, img, payload, m.limitsFor(Record{}, req), caps)
	m.classifier.Annotate(&res)
	return res, nil
}

// CreateSession explicitly creates a session and returns its info.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (Info, error) {
	if _, err := m.reg.Get(req.Language); err != nil {
		return Info{}, err
	}

	autoPersist := m.cfg.Sessions.AutoPersist
	if req.AutoPersist != nil {
		autoPersist = *req.AutoPersist
	}

	rec, err := m.createRecord(ctx, uuid.New().String(), req.Language,
		transportKey(req.TransportKey), autoPersist,
		req.Fuel, req.MemoryBytes, req.Timeout)
	if err != nil {
		return Info{}, err
	}
	return m.info(rec), nil
}

// DestroySession removes a session, its record, and its working directory.
// If an execution is in flight, destruction waits for it to release the
// session's exclusive scope, then tears down synchronously.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	for m.active[id] {
		m.cond.Wait()
	}
	// Hold the scope through teardown so a racing Execute recreates from
	// scratch rather than observing a half-removed session.
	m.active[id] = true
	m.mu.Unlock()

	defer m.release(id)

	if err := m.store.Delete(context.Background(), id); err != nil {
		return err
	}
	if err := m.binder.Remove(id); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}

	log.Info().Str("session_id", id).Msg("session destroyed")
	return nil
}

// SessionInfo returns the caller-visible view of a session.
func (m *Manager) SessionInfo(ctx context.Context, id string) (Info, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return m.info(rec), nil
}

// ListSessions returns all sessions for a transport key ("" = all).
func (m *Manager) ListSessions(ctx context.Context, key string) ([]Info, error) {
	var recs []Record
	var err error
	if key == "" {
		recs, err = m.store.List(ctx)
	} else {
		recs, err = m.store.ListByTransport(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	infos := make([]Info, len(recs))
	for i, rec := range recs {
		infos[i] = m.info(rec)
	}
	return infos, nil
}

// ListRuntimes returns the loaded guest runtimes.
func (m *Manager) ListRuntimes() []runtime.Info {
	return m.reg.List()
}

// Close stops the janitor and releases held resources. In-flight executions
// finish; new ones fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done

	var errs []error
	if m.ownsEngine != nil {
		if err := m.ownsEngine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resolveSession loads the record, creating it on first use.
func (m *Manager) resolveSession(ctx context.Context, req ExecuteRequest) (Record, error) {
	rec, err := m.store.Get(ctx, req.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		rec, err = m.createRecord(ctx, req.SessionID, req.Language,
			transportKey(req.TransportKey), m.cfg.Sessions.AutoPersist,
			req.Fuel, req.MemoryBytes, req.Timeout)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, errSessionExists) {
			return Record{}, err
		}
		// Lost a first-use race; the winner's record is authoritative and
		// still gets the language check below.
		rec, err = m.store.Get(ctx, req.SessionID)
	}
	if err != nil {
		return Record{}, err
	}
	if req.Language != "" && req.Language != rec.Language {
		return Record{}, fmt.Errorf("%w: session %s is %s, request says %s",
			ErrLanguageMismatch, rec.ID, rec.Language, req.Language)
	}
	return rec, nil
}

// createRecord inserts a new session record, enforcing the per-transport
// ceiling, and prepares its working directory.
func (m *Manager) createRecord(ctx context.Context, id, language, key string, autoPersist bool, fuel uint64, memoryBytes int64, timeout time.Duration) (Record, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, ErrManagerClosed
	}
	m.mu.Unlock()

	if language == "" {
		return Record{}, fmt.Errorf("%w: no language given for new session", runtime.ErrUnsupportedLanguage)
	}
	if _, err := m.reg.Get(language); err != nil {
		return Record{}, err
	}

	now := time.Now()
	rec := Record{
		ID:           id,
		TransportKey: key,
		Language:     language,
		Fuel:         clampUint(fuel, m.cfg.Limits.DefaultFuel, m.cfg.Limits.MaxFuel),
		MemoryBytes:  clampInt(memoryBytes, m.cfg.Limits.DefaultMemoryMB<<20, m.cfg.Limits.MaxMemoryMB<<20),
		Timeout:      clampDuration(timeout, m.cfg.Limits.DefaultTimeout, m.cfg.Limits.MaxTimeout),
		AutoPersist:  autoPersist,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	if err := m.store.CreateWithinLimit(ctx, rec, m.cfg.Sessions.MaxPerTransport); err != nil {
		return Record{}, err
	}
	if _, err := m.binder.Bind(id); err != nil {
		if delErr := m.store.Delete(ctx, id); delErr != nil {
			log.Error().Err(delErr).Str("session_id", id).Msg("rollback of unbindable session failed")
		}
		return Record{}, err
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}

	log.Info().
		Str("session_id", id).
		Str("language", language).
		Str("transport_key", key).
		Bool("auto_persist", autoPersist).
		Msg("session created")
	return rec, nil
}

// acquire takes the session's exclusive execution scope or rejects as busy.
// Sessions are not re-entrant; the caller retries on ErrSessionBusy.
func (m *Manager) acquire(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.active[id] {
		return fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	m.active[id] = true
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// limitsFor merges per-call overrides over the session's limits, clamped to
// the configured maximums.
func (m *Manager) limitsFor(rec Record, req ExecuteRequest) engine.Limits {
	l := engine.Limits{
		Fuel:        rec.Fuel,
		MemoryBytes: rec.MemoryBytes,
		Timeout:     rec.Timeout,
	}
	if l.Fuel == 0 {
		l.Fuel = m.cfg.Limits.DefaultFuel
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = m.cfg.Limits.DefaultMemoryMB << 20
	}
	if l.Timeout == 0 {
		l.Timeout = m.cfg.Limits.DefaultTimeout
	}
	if req.Fuel > 0 {
		l.Fuel = min(req.Fuel, m.cfg.Limits.MaxFuel)
	}
	if req.MemoryBytes > 0 {
		l.MemoryBytes = min(req.MemoryBytes, m.cfg.Limits.MaxMemoryMB<<20)
	}
	if req.Timeout > 0 {
		l.Timeout = min(req.Timeout, m.cfg.Limits.MaxTimeout)
	}
	return l
}

func (m *Manager) info(rec Record) Info {
	return Info{
		ID:             rec.ID,
		Language:       rec.Language,
		CreatedAt:      rec.CreatedAt,
		LastActiveAt:   rec.LastActiveAt,
		ExpiresAt:      rec.LastActiveAt.Add(m.cfg.Sessions.IdleTimeout),
		ExecutionCount: rec.ExecutionCount,
		AutoPersist:    rec.AutoPersist,
		Fuel:           rec.Fuel,
		MemoryBytes:    rec.MemoryBytes,
		Timeout:        rec.Timeout,
	}
}

// janitor evicts sessions idle beyond the configured timeout. Eviction only
// fires between executions: a session with an execution in flight is skipped
// and reconsidered on the next sweep.
func (m *Manager) janitor() {
	defer close(m.done)

	interval := m.cfg.Sessions.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	ctx := context.Background()
	cutoff := time.Now().Add(-m.cfg.Sessions.IdleTimeout)

	recs, err := m.store.ListIdleBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("eviction sweep failed")
		return
	}

	for _, rec := range recs {
		m.mu.Lock()
		if m.active[rec.ID] {
			m.mu.Unlock()
			continue
		}
		m.active[rec.ID] = true
		m.mu.Unlock()

		if err := m.store.Delete(ctx, rec.ID); err != nil {
			log.Error().Err(err).Str("session_id", rec.ID).Msg("evict: record delete failed")
			m.release(rec.ID)
			continue
		}
		if err := m.binder.Remove(rec.ID); err != nil {
			log.Error().Err(err).Str("session_id", rec.ID).Msg("evict: workdir removal failed")
		}
		m.release(rec.ID)

		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
			m.metrics.SessionsEvicted.Inc()
		}
		log.Info().
			Str("session_id", rec.ID).
			Time("last_active", rec.LastActiveAt).
			Msg("session evicted")
	}
}

// ReportForError maps manager-level rejections onto the classifier taxonomy
// so callers render guidance uniformly with guest-failure reports. Returns
// nil when the error has no entry.
func ReportForError(err error) *classify.Report {
	switch {
	case errors.Is(err, ErrSessionBusy):
		return &classify.Report{
			Kind:    classify.KindSessionBusy,
			Message: err.Error(),
			Remediation: []string{
				"Wait for the in-flight execution on this session to finish, then retry.",
				"Run independent work in separate sessions; only executions on the same session serialize.",
			},
		}
	case errors.Is(err, ErrSessionLimitExceeded):
		return &classify.Report{
			Kind:    classify.KindSessionLimit,
			Message: err.Error(),
			Remediation: []string{
				"Destroy sessions you no longer need with `enclave sessions destroy <id>`.",
				"Idle sessions are evicted automatically; raise sessions.max_per_transport if the ceiling is genuinely too low.",
			},
		}
	}
	return classify.ReportForError(err)
}

func transportKey(key string) string {
	if key == "" {
		return DefaultTransportKey
	}
	return key
}

func clampUint(v, def, max uint64) uint64 {
	if v == 0 {
		return def
	}
	return min(v, max)
}

func clampInt(v, def, max int64) int64 {
	if v == 0 {
		return def
	}
	return min(v, max)
}

func clampDuration(v, def, max time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return min(v, max)
}
