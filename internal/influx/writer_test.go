package influx

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/httpkit"
	"github.com/nugget/omada-bridge/internal/integration"
	"github.com/nugget/omada-bridge/internal/omada/omadatest"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) byMeasurement() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, p := range f.points {
		out[p.Name()]++
	}
	return out
}

func newIntegration(t *testing.T, mutate func(*config.OptionsConfig)) *integration.Integration {
	t.Helper()
	st := omadatest.DefaultState()
	srv := omadatest.New(t, st)
	opts := config.Default().Options
	if mutate != nil {
		mutate(&opts)
	}
	integ, err := integration.New(integration.Config{
		Controller: config.ControllerConfig{URL: srv.URL, Site: st.SiteName, Username: st.Username, Password: st.Password},
		Options:    opts,
		HTTPClient: httpkit.NewClient(httpkit.WithCookieJar()),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("integration.New: %v", err)
	}
	t.Cleanup(integ.Close)
	if err := integ.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return integ
}

func TestWriter_Write(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.OptionsConfig)
		devices int
		clients int
	}{
		{"defaults", nil, 2, 2},
		{"ssid filter", func(o *config.OptionsConfig) { o.SSIDFilter = []string{"iot"} }, 2, 1},
		{"no clients", func(o *config.OptionsConfig) { o.TrackClients = false }, 2, 0},
		{"no devices", func(o *config.OptionsConfig) { o.TrackDevices = false }, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			integ := newIntegration(t, tt.mutate)
			out := &fakeWriter{}
			w := NewWriter(integ, out, nil, func() time.Time { return ts })
			n := w.Write()
			got := out.byMeasurement()
			if got[MeasurementDevice] != tt.devices || got[MeasurementClient] != tt.clients {
				t.Errorf("points = %v, want %d devices %d clients", got, tt.devices, tt.clients)
			}
			if n != tt.devices+tt.clients {
				t.Errorf("Write = %d", n)
			}
		})
	}
}

func TestWriter_Run(t *testing.T) {
	integ := newIntegration(t, nil)
	out := &fakeWriter{}
	w := NewWriter(integ, out, nil, nil)

	in := make(chan events.Event, 4)
	in <- events.Event{Kind: events.KindDataUpdated, Data: map[string]any{"entry": integ.EntryID(), "ok": false}}
	in <- events.Event{Kind: events.KindDataUpdated, Data: map[string]any{"entry": "other", "ok": true}}
	in <- events.Event{Kind: events.KindPollComplete, Data: map[string]any{"entry": integ.EntryID(), "ok": true}}
	in <- events.Event{Kind: events.KindDataUpdated, Data: map[string]any{"entry": integ.EntryID(), "ok": true}}
	close(in)

	w.Run(context.Background(), in)

	if got := out.byMeasurement(); got[MeasurementDevice] != 2 {
		t.Errorf("points = %v, want one successful cycle", got)
	}
}
