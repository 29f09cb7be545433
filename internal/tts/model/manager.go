// Package model owns the process-wide synthesis engine handle.
//
// The Manager is an explicit state machine:
//
//	Unloaded → Loading → Ready
//	Unloaded → Loading → Failed
//
// At most one load runs at a time. Callers that arrive while a load is in
// progress wait for it and observe the same outcome. Failed is sticky until
// Reset is called.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadzzz/whiterabbit/internal/tts"
)

// State is the lifecycle state of the engine handle.
type State int32

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotReady matches every error returned when no engine can be handed out.
var ErrNotReady = errors.New("tts model is not ready")

// NotReadyError explains why the engine is unavailable.
type NotReadyError struct {
	Reason string
	Cause  error
}

func (e *NotReadyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrNotReady, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrNotReady, e.Reason)
}

func (e *NotReadyError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrNotReady}
	}
	return []error{ErrNotReady, e.Cause}
}

// Options configures a Manager.
type Options struct {
	// LazyLoad lets EnsureReady start the first load. When false only
	// Warmup loads the engine.
	LazyLoad bool

	// LoadTimeout bounds a single load. Zero means no limit.
	LoadTimeout time.Duration

	// OnStateChange is called after every transition, outside the lock. Calls
	// never overlap and each one is passed the state current at call time, so
	// the last call always reports the final state. A state may be repeated.
	// It must not call EnsureReady, Warmup, Reset or Release.
	OnStateChange func(State)
}

// Manager hands out the single engine instance.
type Manager struct {
	loader tts.Loader
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	notifyMu sync.Mutex
	engine   tts.Engine
	err      error
	done     chan struct{} // closed when the current load finishes

	state atomic.Int32
	loads atomic.Int64
}

// New creates a Manager in the Unloaded state.
func New(loader tts.Loader, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loader: loader,
		opts:   opts,
		logger: logger.With("component", "tts_model"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// IsReady reports whether an engine is loaded. It never triggers a load.
func (m *Manager) IsReady() bool { return m.State() == Ready }

// Loads returns how many times the loader has been invoked.
func (m *Manager) Loads() int64 { return m.loads.Load() }

// LastError returns the error that put the manager into Failed, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// EnsureReady returns the engine, loading it first if lazy loading is enabled.
// A cancelled ctx only abandons the wait; the load itself keeps going.
func (m *Manager) EnsureReady(ctx context.Context) (tts.Engine, error) {
	return m.acquire(ctx, m.opts.LazyLoad)
}

// Warmup loads the engine regardless of the lazy loading setting.
func (m *Manager) Warmup(ctx context.Context) (tts.Engine, error) {
	return m.acquire(ctx, true)
}

func (m *Manager) acquire(ctx context.Context, mayLoad bool) (tts.Engine, error) {
	m.mu.Lock()
	switch m.State() {
	case Ready:
		engine := m.engine
		m.mu.Unlock()
		return engine, nil
	case Failed:
		err := m.err
		m.mu.Unlock()
		return nil, &NotReadyError{Reason: "initialization failed", Cause: err}
	case Unloaded:
		if !mayLoad {
			m.mu.Unlock()
			return nil, &NotReadyError{Reason: "not initialized and lazy loading is disabled"}
		}
		m.startLoadLocked()
		done := m.done
		m.mu.Unlock()
		m.notify()
		return m.wait(ctx, done)
	case Loading:
		m.logger.Debug("engine load already in progress, waiting")
	}
	done := m.done
	m.mu.Unlock()
	return m.wait(ctx, done)
}

// wait blocks until the load behind done finishes or ctx ends.
func (m *Manager) wait(ctx context.Context, done <-chan struct{}) (tts.Engine, error) {
	select {
	case <-done:
	case <-ctx.Done():
		return nil, &NotReadyError{Reason: "gave up waiting for initialization", Cause: ctx.Err()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.State() {
	case Ready:
		return m.engine, nil
	case Failed:
		return nil, &NotReadyError{Reason: "initialization failed", Cause: m.err}
	default:
		return nil, &NotReadyError{Reason: "engine was released"}
	}
}

// startLoadLocked begins a load on its own goroutine. m.mu must be held.
func (m *Manager) startLoadLocked() {
	m.done = make(chan struct{})
	m.loads.Add(1)
	m.setStateLocked(Loading)
	m.logger.Info("loading tts engine")

	done := m.done
	go func() {
		start := time.Now()
		engine, err := m.load()

		m.mu.Lock()
		if err != nil {
			m.err = err
			m.setStateLocked(Failed)
			m.logger.Error("tts engine failed to load", "error", err, "duration", time.Since(start))
		} else {
			m.engine = engine
			m.setStateLocked(Ready)
			m.logger.Info("tts engine loaded", "duration", time.Since(start))
		}
		close(done)
		m.mu.Unlock()
		m.notify()
	}()
}

func (m *Manager) load() (engine tts.Engine, err error) {
	ctx := context.Background()
	if m.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.LoadTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			engine, err = nil, fmt.Errorf("engine loader panicked: %v", r)
		}
	}()

	engine, err = m.loader(ctx)
	if err == nil && engine == nil {
		err = errors.New("engine loader returned no engine")
	}
	return engine, err
}

func (m *Manager) setStateLocked(s State) {
	m.state.Store(int32(s))
}

// notify reports the current state. The state is read under notifyMu, so a
// notification for an earlier transition can never be delivered after one
// for a later transition.
func (m *Manager) notify() {
	if m.opts.OnStateChange == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.opts.OnStateChange(m.State())
}

// Reset clears a Failed state so the next EnsureReady or Warmup loads again.
// It reports whether anything was reset.
func (m *Manager) Reset() bool {
	m.mu.Lock()
	if m.State() != Failed {
		m.mu.Unlock()
		return false
	}
	m.err = nil
	m.setStateLocked(Unloaded)
	m.mu.Unlock()

	m.logger.Info("tts engine failure cleared")
	m.notify()
	return true
}

// Release drops the engine handle, waiting for an in-progress load first.
// A released manager loads again on the next EnsureReady or Warmup. A Failed
// state is left untouched.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.State() == Loading {
		done := m.done
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for engine load before release: %w", ctx.Err())
		}
		m.mu.Lock()
	}

	engine := m.engine
	m.engine = nil
	if m.State() == Ready {
		m.setStateLocked(Unloaded)
	}
	m.mu.Unlock()

	if engine == nil {
		return nil
	}
	m.logger.Info("releasing tts engine")
	m.notify()
	if err := engine.Close(); err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	return nil
}
