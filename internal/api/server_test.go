package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/connwatch"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/httpkit"
	"github.com/nugget/omada-bridge/internal/integration"
	"github.com/nugget/omada-bridge/internal/omada/omadatest"
)

type fakeServices map[string]connwatch.ServiceStatus

func (f fakeServices) Status() map[string]connwatch.ServiceStatus { return f }

type fakeEntities int

func (f fakeEntities) Entities() int { return int(f) }

type apiHarness struct {
	srv   *omadatest.Server
	integ *integration.Integration
	bus   *events.Bus
	http  *httptest.Server
}

func newAPIHarness(t *testing.T, opts func(*config.OptionsConfig), setup bool) *apiHarness {
	t.Helper()
	st := omadatest.DefaultState()
	srv := omadatest.New(t, st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()

	options := config.Default().Options
	if opts != nil {
		opts(&options)
	}
	integ, err := integration.New(integration.Config{
		Controller: config.ControllerConfig{
			URL:      srv.URL,
			Site:     st.SiteName,
			Username: st.Username,
			Password: st.Password,
		},
		Options:    options,
		Poll:       config.Default().Poll,
		HTTPClient: httpkit.NewClient(httpkit.WithCookieJar()),
		Bus:        bus,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("integration.New: %v", err)
	}
	t.Cleanup(integ.Close)
	if setup {
		if err := integ.Setup(context.Background()); err != nil {
			t.Fatalf("Setup: %v", err)
		}
	}

	s := NewServer(Config{
		Services: fakeServices{"controller": {Name: "controller", Ready: true, Probes: 3}},
		Entities: fakeEntities(42),
		Logger:   logger,
	}, integ)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &apiHarness{srv: srv, integ: integ, bus: bus, http: ts}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (h *apiHarness) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	code, body := h.do(t, http.MethodGet, path, "")
	if code != http.StatusOK {
		t.Fatalf("GET %s = %d, body %s", path, code, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, nil, false)

	var resp map[string]string
	h.getJSON(t, "/healthz", &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status before setup = %q, want degraded", resp["status"])
	}

	if err := h.integ.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	h.getJSON(t, "/healthz", &resp)
	if resp["status"] != "ok" {
		t.Errorf("status after setup = %q, want ok", resp["status"])
	}
}

func TestStatus(t *testing.T) {
	h := newAPIHarness(t, nil, true)

	var resp struct {
		Name string `json:"name"`
		Site struct {
			Entry      string `json:"entry"`
			Site       string `json:"site"`
			Available  bool   `json:"available"`
			LastPoll   string `json:"last_poll"`
			Controller struct {
				Name    string `json:"name"`
				Version string `json:"version"`
				Session string `json:"session"`
			} `json:"controller"`
			Counts map[string]int `json:"counts"`
		} `json:"site"`
		Services map[string]connwatch.ServiceStatus `json:"services"`
		MQTT     struct {
			Entities int `json:"entities"`
		} `json:"mqtt"`
	}
	h.getJSON(t, "/api/status", &resp)

	if resp.Name != "omada-bridge" {
		t.Errorf("name = %q", resp.Name)
	}
	if resp.Site.Entry != h.integ.EntryID() {
		t.Errorf("entry = %q, want %q", resp.Site.Entry, h.integ.EntryID())
	}
	if resp.Site.Site != "Default" || !resp.Site.Available || resp.Site.LastPoll == "" {
		t.Errorf("site = %+v", resp.Site)
	}
	if resp.Site.Controller.Name != "Home Controller" || resp.Site.Controller.Version != "5.13.30.8" {
		t.Errorf("controller = %+v", resp.Site.Controller)
	}
	want := map[string]int{"devices": 2, "clients": 2, "known_clients": 3}
	for k, v := range want {
		if resp.Site.Counts[k] != v {
			t.Errorf("counts[%s] = %d, want %d", k, resp.Site.Counts[k], v)
		}
	}
	if !resp.Services["controller"].Ready {
		t.Errorf("services = %+v", resp.Services)
	}
	if resp.MQTT.Entities != 42 {
		t.Errorf("mqtt entities = %d, want 42", resp.MQTT.Entities)
	}
}

func TestNoIntegration(t *testing.T) {
	s := NewServer(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("devices = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["site"]; ok {
		t.Error("status has a site block without an integration")
	}
}

func TestDevices(t *testing.T) {
	h := newAPIHarness(t, nil, true)

	var all []deviceView
	h.getJSON(t, "/api/devices", &all)
	if len(all) != 2 {
		t.Fatalf("got %d devices, want 2", len(all))
	}

	ap := all[0]
	if ap.MAC != "DD-DD-DD-DD-DD-01" || ap.Type != "ap" || !ap.Connected || !ap.Details {
		t.Errorf("ap = %+v", ap)
	}
	if len(ap.Radios) != 2 {
		t.Fatalf("radios = %+v, want 2g and 5g", ap.Radios)
	}
	if r := ap.Radios[0]; r.Band != "2g" || r.Enabled == nil || !*r.Enabled || r.TxUtilization == nil || *r.TxUtilization != 3 {
		t.Errorf("2g radio = %+v", r)
	}
	if r := ap.Radios[1]; r.Band != "5g" || r.Enabled == nil || *r.Enabled {
		t.Errorf("5g radio = %+v", r)
	}
	if len(ap.SSIDs) != 2 || ap.SSIDs[0] != (ssidView{SSID: "home", Enabled: true}) {
		t.Errorf("ssids = %+v", ap.SSIDs)
	}

	sw := all[1]
	if !sw.NeedUpgrade || sw.LatestFirmware != "1.1.0" || len(sw.Radios) != 0 {
		t.Errorf("switch = %+v", sw)
	}

	var switches []deviceView
	h.getJSON(t, "/api/devices?type=switch", &switches)
	if len(switches) != 1 || switches[0].MAC != "DD-DD-DD-DD-DD-02" {
		t.Errorf("type filter = %+v", switches)
	}
}

func TestDevice(t *testing.T) {
	h := newAPIHarness(t, nil, true)

	var resp struct {
		Device deviceView     `json:"device"`
		Raw    map[string]any `json:"raw"`
	}
	h.getJSON(t, "/api/devices/dd:dd:dd:dd:dd:01?raw=1", &resp)
	if resp.Device.Name != "office-ap" {
		t.Errorf("name = %q", resp.Device.Name)
	}
	if resp.Raw["compoundModel"] != "EAP660 HD(EU) v1.0" {
		t.Errorf("raw = %v", resp.Raw)
	}

	code, _ := h.do(t, http.MethodGet, "/api/devices/00-00-00-00-00-00", "")
	if code != http.StatusNotFound {
		t.Errorf("unknown device = %d, want 404", code)
	}
}

func TestClients(t *testing.T) {
	h := newAPIHarness(t, func(o *config.OptionsConfig) { o.SSIDFilter = []string{"guest"} }, true)

	var all []clientView
	h.getJSON(t, "/api/clients", &all)
	if len(all) != 2 {
		t.Fatalf("got %d clients, want 2", len(all))
	}
	phone, nas := all[0], all[1]
	if phone.Allowed || phone.SSID != "home" || phone.RSSI == nil || *phone.RSSI != -51 {
		t.Errorf("phone = %+v", phone)
	}
	if !nas.Allowed || nas.Wireless || nas.SignalLevel != nil {
		t.Errorf("nas = %+v", nas)
	}

	var allowed []clientView
	h.getJSON(t, "/api/clients?allowed=true", &allowed)
	if len(allowed) != 1 || allowed[0].MAC != "AA-AA-AA-AA-AA-02" {
		t.Errorf("allowed = %+v", allowed)
	}
}

func TestKnownClients(t *testing.T) {
	h := newAPIHarness(t, nil, true)

	var known []knownClientView
	h.getJSON(t, "/api/known-clients", &known)
	if len(known) != 3 {
		t.Fatalf("got %d known clients, want 3", len(known))
	}
	wantConnected := []bool{true, true, false}
	for i, k := range known {
		if k.Connected != wantConnected[i] {
			t.Errorf("%s connected = %v, want %v", k.MAC, k.Connected, wantConnected[i])
		}
		if k.LastSeen == nil {
			t.Errorf("%s has no last_seen", k.MAC)
		}
	}
	if !known[2].Blocked || !known[2].Guest {
		t.Errorf("guest laptop = %+v", known[2])
	}
}

func TestSSIDs(t *testing.T) {
	h := newAPIHarness(t, nil, true)

	var resp struct {
		SSIDs []string `json:"ssids"`
	}
	h.getJSON(t, "/api/ssids", &resp)
	want := omadatest.DefaultState().SortedSSIDs()
	if strings.Join(resp.SSIDs, ",") != strings.Join(want, ",") {
		t.Errorf("ssids = %v, want %v", resp.SSIDs, want)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantCall string
	}{
		{
			name:     "radio on",
			method:   http.MethodPut,
			path:     "/api/devices/DD-DD-DD-DD-DD-01/radios/5g",
			body:     `{"enabled": true}`,
			wantCode: http.StatusAccepted,
			wantCall: "PATCH /eaps/DD-DD-DD-DD-DD-01",
		},
		{
			name:     "ssid off",
			method:   http.MethodPut,
			path:     "/api/devices/dd:dd:dd:dd:dd:01/ssids/home",
			body:     `{"enabled": false}`,
			wantCode: http.StatusAccepted,
			wantCall: "PATCH /eaps/DD-DD-DD-DD-DD-01",
		},
		{
			name:     "unblock",
			method:   http.MethodPut,
			path:     "/api/clients/aa:aa:aa:aa:aa:03/block",
			body:     `{"blocked": false}`,
			wantCode: http.StatusAccepted,
			wantCall: "POST /cmd/clients/AA-AA-AA-AA-AA-03/unblock",
		},
		{
			name:     "upgrade",
			method:   http.MethodPost,
			path:     "/api/devices/DD-DD-DD-DD-DD-02/upgrade",
			wantCode: http.StatusAccepted,
			wantCall: "GET /cmd/devices/DD-DD-DD-DD-DD-02/onlineUpgrade",
		},
		{name: "bad band", method: http.MethodPut, path: "/api/devices/DD-DD-DD-DD-DD-01/radios/7g", body: `{"enabled": true}`, wantCode: http.StatusBadRequest},
		{name: "unsupported band", method: http.MethodPut, path: "/api/devices/DD-DD-DD-DD-DD-01/radios/6g", body: `{"enabled": true}`, wantCode: http.StatusBadRequest},
		{name: "radio on switch", method: http.MethodPut, path: "/api/devices/DD-DD-DD-DD-DD-02/radios/2g", body: `{"enabled": true}`, wantCode: http.StatusBadRequest},
		{name: "unknown device", method: http.MethodPut, path: "/api/devices/00-00-00-00-00-00/radios/2g", body: `{"enabled": true}`, wantCode: http.StatusNotFound},
		{name: "missing field", method: http.MethodPut, path: "/api/devices/DD-DD-DD-DD-DD-01/radios/2g", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPut, path: "/api/clients/AA-AA-AA-AA-AA-01/block", body: `{`, wantCode: http.StatusBadRequest},
		{name: "unknown client", method: http.MethodPut, path: "/api/clients/00-00-00-00-00-00/block", body: `{"blocked": true}`, wantCode: http.StatusNotFound},
		{name: "no upgrade", method: http.MethodPost, path: "/api/devices/DD-DD-DD-DD-DD-01/upgrade", wantCode: http.StatusConflict},
		{name: "unknown ssid", method: http.MethodPut, path: "/api/devices/DD-DD-DD-DD-DD-01/ssids/nosuch", body: `{"enabled": true}`, wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness(t, nil, true)
			h.srv.ResetRequests()
			ch := h.bus.Subscribe(16)
			defer h.bus.Unsubscribe(ch)

			code, body := h.do(t, tt.method, tt.path, tt.body)
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", code, tt.wantCode, body)
			}
			if tt.wantCall == "" {
				if n := len(h.srv.Requests()); n != 0 {
					t.Errorf("rejected command sent %d requests", n)
				}
				return
			}
			if n := len(h.srv.Calls(tt.wantCall)); n != 1 {
				t.Errorf("%s called %d times, want 1", tt.wantCall, n)
			}
			e := waitForKind(t, ch, events.KindCommand)
			if e.Source != events.SourceAPI || e.Data["ok"] != true {
				t.Errorf("command event = %+v", e)
			}
		})
	}
}

func TestCommands_ControllerError(t *testing.T) {
	h := newAPIHarness(t, nil, true)
	h.srv.Fail("POST /cmd/clients/AA-AA-AA-AA-AA-01/block", omadatest.Fault{Code: omadatest.CodeOperationForbidden, Msg: "forbidden"})
	ch := h.bus.Subscribe(16)
	defer h.bus.Unsubscribe(ch)

	code, _ := h.do(t, http.MethodPut, "/api/clients/AA-AA-AA-AA-AA-01/block", `{"blocked": true}`)
	if code != http.StatusBadGateway {
		t.Errorf("code = %d, want 502", code)
	}
	e := waitForKind(t, ch, events.KindCommand)
	if e.Data["ok"] != false || e.Data["error"] == nil {
		t.Errorf("command event = %+v", e)
	}
}

func TestRefresh(t *testing.T) {
	h := newAPIHarness(t, nil, true)
	code, body := h.do(t, http.MethodPost, "/api/refresh", "")
	if code != http.StatusAccepted || !bytes.Contains(body, []byte(`"ok":true`)) {
		t.Errorf("refresh = %d %s", code, body)
	}
}

func TestEvents(t *testing.T) {
	h := newAPIHarness(t, nil, false)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/events?kind=command,data_updated"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.bus.Emit(events.SourceController, events.KindPollStart, map[string]any{"entry": "x"})
	h.bus.Emit(events.SourceAPI, events.KindCommand, map[string]any{"command": "set_radio"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Kind != events.KindCommand || e.Data["command"] != "set_radio" {
		t.Errorf("event = %+v, want the command event", e)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for h.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseKinds(t *testing.T) {
	if parseKinds("") != nil {
		t.Error("empty should mean every kind")
	}
	got := parseKinds(" command, ,data_updated")
	if len(got) != 2 || !got["command"] || !got["data_updated"] {
		t.Errorf("parseKinds = %v", got)
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := map[string]string{
		"aa:bb:cc:dd:ee:ff":   "AA-BB-CC-DD-EE-FF",
		"AA-BB-CC-DD-EE-FF":   "AA-BB-CC-DD-EE-FF",
		" aa-bb-cc-dd-ee-ff ": "AA-BB-CC-DD-EE-FF",
	}
	for in, want := range tests {
		if got := normalizeMAC(in); got != want {
			t.Errorf("normalizeMAC(%q) = %q, want %q", in, got, want)
		}
	}
}

func waitForKind(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return events.Event{}
		}
	}
}
