package influx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/omada"
)

type fakeInflux struct {
	mu     sync.Mutex
	writes []string
	query  string
}

func newFakeInflux(t *testing.T) (*fakeInflux, *httptest.Server) {
	t.Helper()
	f := &fakeInflux{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{}, nil)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: true, URL: url}, nil)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("err = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WritesLineProtocol(t *testing.T) {
	f, srv := newFakeInflux(t)
	c, err := Connect(context.Background(), config.InfluxDBConfig{
		Enabled: true,
		URL:     srv.URL,
		Token:   "t",
		Org:     "home",
		Bucket:  "omada",
	}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	d := omada.Device{Record: omada.NewRecord(map[string]any{"type": "switch", "mac": "DD-02", "cpuUtil": 3}, nil)}
	c.WritePoint(DevicePoint("lab", d, ts))
	c.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) != 1 || !strings.Contains(f.writes[0], "omada_device,mac=DD-02") {
		t.Fatalf("writes = %q", f.writes)
	}
	if !strings.Contains(f.query, "bucket=omada") || !strings.Contains(f.query, "org=home") {
		t.Errorf("query = %q", f.query)
	}
}
