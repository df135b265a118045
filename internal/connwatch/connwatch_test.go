package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/omada-bridge/internal/httpkit"
	"github.com/nugget/omada-bridge/internal/omada"
	"github.com/nugget/omada-bridge/internal/omada/omadatest"
)

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   4,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	}
}

func quietManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// switchable is a probe whose outcome the test flips.
type switchable struct {
	mu  sync.Mutex
	err error
	n   atomic.Int32
}

func (s *switchable) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *switchable) probe(context.Context) error {
	s.n.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

var errDown = errors.New("connection refused")

func TestBackoffDefaults(t *testing.T) {
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	d := DefaultBackoffConfig()
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", got.MaxRetries)
	}
	if got.InitialDelay != d.InitialDelay || got.PollInterval != d.PollInterval || got.ProbeTimeout != d.ProbeTimeout {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestBackoffNext(t *testing.T) {
	b := DefaultBackoffConfig()
	delays := []time.Duration{b.InitialDelay}
	for range 6 {
		delays = append(delays, b.next(delays[len(delays)-1]))
	}
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, d := range delays {
		if d != want[i]*time.Second {
			t.Errorf("delay[%d] = %v, want %v", i, d, want[i]*time.Second)
		}
	}
}

func TestWatcher_ReadyOnFirstProbe(t *testing.T) {
	var ready atomic.Int32
	m := quietManager()
	w := m.Watch(t.Context(), WatcherConfig{
		Name:    "controller",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
		OnReady: func() { ready.Add(1) },
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return ready.Load() == 1 })
	if w.LastError() != nil {
		t.Errorf("LastError = %v", w.LastError())
	}
	if !m.Status()["controller"].Ready {
		t.Error("Status()[controller].Ready = false")
	}
}

func TestWatcher_StartupRetriesThenSucceeds(t *testing.T) {
	p := &switchable{err: errDown}
	m := quietManager()
	w := m.Watch(t.Context(), WatcherConfig{Name: "mqtt", Probe: p.probe, Backoff: fastBackoff()})
	defer w.Stop()

	waitFor(t, "two failed probes", func() bool { return p.n.Load() >= 2 })
	if w.IsReady() {
		t.Fatal("ready while probe fails")
	}
	p.set(nil)
	waitFor(t, "ready", w.IsReady)
}

func TestWatcher_StartupExhaustedKeepsProbing(t *testing.T) {
	p := &switchable{err: errDown}
	b := fastBackoff()
	w := quietManager().Watch(t.Context(), WatcherConfig{Name: "controller", Probe: p.probe, Backoff: b})
	defer w.Stop()

	waitFor(t, "probes past startup", func() bool { return p.n.Load() > int32(b.MaxRetries) })
	if w.IsReady() {
		t.Fatal("ready while probe fails")
	}
	if !errors.Is(w.LastError(), errDown) {
		t.Errorf("LastError = %v", w.LastError())
	}
	p.set(nil)
	waitFor(t, "recovery", w.IsReady)
}

func TestWatcher_Transitions(t *testing.T) {
	p := &switchable{}
	var ups atomic.Int32
	w := quietManager().Watch(t.Context(), WatcherConfig{
		Name:    "controller",
		Probe:   p.probe,
		Backoff: fastBackoff(),
		OnReady: func() { ups.Add(1) },
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	p.set(errDown)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	if !errors.Is(w.LastError(), errDown) {
		t.Errorf("LastError = %v", w.LastError())
	}
	if n := ups.Load(); n != 1 {
		t.Errorf("OnReady ran %d times while going down, want 1", n)
	}

	p.set(nil)
	waitFor(t, "ready again", w.IsReady)
	waitFor(t, "second OnReady", func() bool { return ups.Load() == 2 })

	// Steady success fires nothing further.
	n := p.n.Load()
	waitFor(t, "more probes", func() bool { return p.n.Load() > n+3 })
	if ups.Load() != 2 {
		t.Errorf("OnReady ran %d times, want 2", ups.Load())
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	b := fastBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	w := quietManager().Watch(t.Context(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})
	defer w.Stop()

	waitFor(t, "a timed out probe", func() bool { return errors.Is(w.LastError(), context.DeadlineExceeded) })
}

func TestWatcher_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := quietManager().Watch(ctx, WatcherConfig{
		Name:    "controller",
		Probe:   func(context.Context) error { return errDown },
		Backoff: fastBackoff(),
	})
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}

func TestWatch_Panics(t *testing.T) {
	tests := map[string]WatcherConfig{
		"empty name": {Probe: func(context.Context) error { return nil }},
		"nil probe":  {Name: "controller"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch did not panic")
				}
			}()
			quietManager().Watch(t.Context(), cfg)
		})
	}
}

func TestManager_StatusAndReplace(t *testing.T) {
	m := quietManager()
	ctx := t.Context()
	first := m.Watch(ctx, WatcherConfig{Name: "controller", Probe: func(context.Context) error { return errDown }, Backoff: fastBackoff()})
	m.Watch(ctx, WatcherConfig{Name: "mqtt", Probe: func(context.Context) error { return nil }, Backoff: fastBackoff()})
	defer m.Stop()

	waitFor(t, "mqtt ready", func() bool { return m.Status()["mqtt"].Ready })
	waitFor(t, "controller probed", func() bool { return m.Status()["controller"].LastError != "" })

	st := m.Status()
	if len(st) != 2 {
		t.Fatalf("Status has %d entries, want 2", len(st))
	}
	if st["controller"].Ready || st["controller"].LastError != errDown.Error() {
		t.Errorf("controller status = %+v", st["controller"])
	}
	if st["mqtt"].Probes == 0 || st["mqtt"].LastCheck.IsZero() {
		t.Errorf("mqtt status = %+v", st["mqtt"])
	}

	// Re-watching a name stops the previous watcher.
	m.Watch(ctx, WatcherConfig{Name: "controller", Probe: func(context.Context) error { return nil }, Backoff: fastBackoff()})
	first.Wait()
	waitFor(t, "replacement ready", func() bool { return m.Status()["controller"].Ready })
	if _, ok := m.Status()["unknown"]; ok {
		t.Error("unknown service has a status")
	}
}

func TestControllerProbe(t *testing.T) {
	srv := omadatest.New(t, omadatest.DefaultState())
	ctrl := omada.NewController(omada.ControllerConfig{
		URL:        srv.URL,
		Site:       "Default",
		HTTPClient: httpkit.NewClient(),
	})

	w := quietManager().Watch(t.Context(), WatcherConfig{
		Name:    "controller",
		Probe:   ctrl.Session().Probe,
		Backoff: fastBackoff(),
	})
	defer w.Stop()

	waitFor(t, "controller ready", w.IsReady)
	if srv.Logins() != 0 {
		t.Error("probe logged in")
	}

	srv.Close()
	waitFor(t, "controller down", func() bool { return !w.IsReady() })
	if !omada.IsTransient(w.LastError()) {
		t.Errorf("LastError = %v, want a connection error", w.LastError())
	}
}
