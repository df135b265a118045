// Package connwatch tracks the reachability of the services the bridge
// depends on: the Omada controller's unauthenticated info endpoint and
// the MQTT broker.
//
// A watcher probes in two phases. At startup it retries with
// exponential backoff so a bridge started before its controller comes
// up quickly once the controller does. After the first success, or
// once the startup retries run out, it probes on a fixed interval and
// reports ready/down transitions.
//
// Reachability is advisory. Controller availability as seen by entity
// consumers comes from the poll loop, not from here.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig is the probe schedule.
type BackoffConfig struct {
	InitialDelay time.Duration // first startup retry delay
	MaxDelay     time.Duration // startup delay ceiling
	Multiplier   float64
	MaxRetries   int           // startup attempts before falling back to the interval
	PollInterval time.Duration // steady-state probe interval
	ProbeTimeout time.Duration // per probe
}

// DefaultBackoffConfig retries at 2s, 4s, 8s and so on up to 60s for
// ten attempts, then probes once a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxRetries:   10,
		PollInterval: time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next grows a startup delay.
func (b BackoffConfig) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	return min(d, b.MaxDelay)
}

// WatcherConfig configures one watched service.
type WatcherConfig struct {
	Name    string // e.g. "controller", "mqtt"
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady runs in its own goroutine each time the service becomes
	// reachable.
	OnReady func()

	Logger *slog.Logger
}

// ServiceStatus is a watcher's state for the status endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Probes    int64     `json:"probes"`
}

// Watcher probes a single service.
type Watcher struct {
	cfg    WatcherConfig
	ready  atomic.Bool
	probes atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports the outcome of the last probe transition.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// LastError is the last probe error, nil after a success.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status snapshots the watcher.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Probes:    w.probes.Load(),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// Wait blocks until the watcher exits.
func (w *Watcher) Wait() { <-w.done }

// Stop cancels the watcher and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff
	log := w.cfg.Logger.With("service", w.cfg.Name)

	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			log.Info("service reachable", "attempts", attempt)
			w.transition(true)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= b.MaxRetries {
			log.Warn("service unreachable at startup, probing every interval",
				"attempts", attempt, "interval", b.PollInterval, "error", err)
			break
		}
		log.Debug("startup probe failed", "attempt", attempt, "retry_in", delay, "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = b.next(delay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		switch was := w.ready.Load(); {
		case was && err != nil:
			log.Warn("service became unreachable", "error", err)
			w.transition(false)
		case !was && err == nil:
			log.Info("service recovered")
			w.transition(true)
		case err != nil:
			log.Debug("service still unreachable", "error", err)
		}
	}
}

// check runs one bounded probe and records the result.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	err := w.cfg.Probe(pctx)

	w.probes.Add(1)
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

func (w *Watcher) transition(ready bool) {
	w.ready.Store(ready)
	if ready && w.cfg.OnReady != nil {
		go w.cfg.OnReady()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers of one process.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher that runs until ctx ends or Stop. A second
// watcher with the same name replaces the first, which is stopped.
// An empty name or nil probe is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: empty watcher name")
	}
	if cfg.Probe == nil {
		panic("connwatch: nil probe for " + cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Status returns every watcher's status by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop stops every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
