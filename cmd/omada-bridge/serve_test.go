package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/httpkit"
	"github.com/nugget/omada-bridge/internal/integration"
	"github.com/nugget/omada-bridge/internal/omada/omadatest"
)

func newTestSite(t *testing.T) (*site, *omadatest.Server) {
	t.Helper()
	st := omadatest.DefaultState()
	srv := omadatest.New(t, st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	integ, err := integration.New(integration.Config{
		Controller: config.ControllerConfig{
			URL:      srv.URL,
			Site:     st.SiteName,
			Username: st.Username,
			Password: st.Password,
		},
		Options:    config.Default().Options,
		Poll:       config.Default().Poll,
		HTTPClient: httpkit.NewClient(httpkit.WithCookieJar()),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("integration.New: %v", err)
	}
	t.Cleanup(integ.Close)
	return &site{integ: integ, logger: logger}, srv
}

func TestControllerReachable_RefreshesAfterSetup(t *testing.T) {
	s, srv := newTestSite(t)
	ctx := context.Background()
	if err := s.integ.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := s.integ.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv.ResetRequests()

	s.controllerReachable()

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Calls("GET /clients")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no poll after the controller became reachable")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControllerReachable_BeforeSetup(t *testing.T) {
	s, srv := newTestSite(t)

	s.controllerReachable()
	if err := s.integ.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(srv.Requests()); n != 0 {
		t.Errorf("%d controller requests before setup, want 0", n)
	}
}
