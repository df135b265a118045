// Package omadatest provides an in-process fake Omada controller for
// tests. It speaks both the 5.x and the older URL and token shapes,
// selected by the configured version, and records every call so tests
// can assert on paths, tokens and mutation bodies.
package omadatest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	goversion "github.com/hashicorp/go-version"
)

// Application error codes the fake returns.
const (
	CodeSessionExpired     = -1200
	CodeOperationForbidden = -1005
	CodeRequestFailed      = -1600
	CodeLoginFailed        = -30109
)

// WLAN is one WLAN group and its SSIDs.
type WLAN struct {
	ID    string
	SSIDs []string
}

// State is the controller's data. Maps and slices are served as JSON
// exactly as given.
type State struct {
	Version      string
	ControllerID string
	Name         string
	SiteName     string
	SiteID       string
	Username     string
	Password     string

	Clients      []map[string]any
	KnownClients []map[string]any
	Devices      []map[string]any
	// EAPs holds access point details by MAC.
	EAPs map[string]map[string]any
	// Firmware holds upgrade details by MAC.
	Firmware   map[string]map[string]any
	WLANs      []WLAN
	RFStatus   int
	Overview   map[string]any
	Unauth401  bool // answer bad tokens with HTTP 401 instead of -1200
	OmitSiteID bool // leave the site out of /users/current
}

// Fault makes one endpoint fail. A zero Code with a zero Status sends
// RawBody with Content-Type text/html.
type Fault struct {
	Status  int
	Code    int
	Msg     string
	RawBody string
	// Times is how many calls fail; 0 means every call.
	Times int
}

// Request is one recorded call.
type Request struct {
	Method string
	// Endpoint is the path with the API and site prefixes removed,
	// e.g. "/clients" or "/login".
	Endpoint string
	Path     string
	Query    string
	Token    string // from the Csrf-Token header or the token parameter
	Body     map[string]any
}

// Server is a running fake controller.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	state    State
	token    string
	logins   int
	faults   map[string]*Fault
	requests []Request
}

// New starts a plain HTTP fake controller that is closed when the test
// ends.
func New(t testing.TB, st State) *Server {
	t.Helper()
	s := &Server{state: st, faults: make(map[string]*Fault)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// NewTLS is New with a self-signed TLS listener.
func NewTLS(t testing.TB, st State) *Server {
	t.Helper()
	s := &Server{state: st, faults: make(map[string]*Fault)}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// DefaultState is a small 5.x site with one access point, one switch
// that needs an upgrade, two connected clients and three known clients.
func DefaultState() State {
	return State{
		Version:      "5.13.30.8",
		ControllerID: "c0ffee",
		Name:         "Home Controller",
		SiteName:     "Default",
		SiteID:       "site-1",
		Username:     "admin",
		Password:     "secret",
		Clients: []map[string]any{
			{
				"mac": "AA-AA-AA-AA-AA-01", "name": "phone", "hostName": "pixel",
				"ip": "10.0.0.21", "wireless": true, "ssid": "home",
				"signalLevel": 72, "wifiMode": 5, "radioId": 1, "channel": 36,
				"rssi": -51, "trafficDown": 2097152, "trafficUp": 1048576,
				"rxRate": 866000, "txRate": 433000, "uptime": 3600,
				"lastSeen": 1700000000000, "apName": "office-ap", "apMac": "DD-DD-DD-DD-DD-01",
			},
			{
				"mac": "AA-AA-AA-AA-AA-02", "name": "nas", "ip": "10.0.0.5",
				"wireless": false, "trafficDown": 0, "trafficUp": 0, "uptime": 86400,
			},
		},
		KnownClients: []map[string]any{
			{"mac": "AA-AA-AA-AA-AA-01", "name": "phone", "wireless": true, "download": 10485760, "upload": 5242880, "lastSeen": 1700000000000},
			{"mac": "AA-AA-AA-AA-AA-02", "name": "nas", "wireless": false, "download": 0, "upload": 0, "lastSeen": 1700000000000},
			{"mac": "AA-AA-AA-AA-AA-03", "name": "guest-laptop", "wireless": true, "guest": true, "block": true, "lastSeen": 1600000000000},
		},
		Devices: []map[string]any{
			{
				"type": "ap", "mac": "DD-DD-DD-DD-DD-01", "name": "office-ap",
				"compoundModel": "EAP660 HD(EU) v1.0", "firmwareVersion": "1.2.3",
				"needUpgrade": false, "status": 14, "statusCategory": 1,
				"uptimeLong": 123456, "cpuUtil": 7, "memUtil": 41,
				"clientNum": 1, "clientNum2g": 0, "clientNum5g": 1, "clientNum6g": 0,
				"deviceMisc": map[string]any{"support5g": true, "support6g": false},
				"wp2g": map[string]any{"rdMode": "802.11b/g/n/ax", "bandWidth": "20MHz", "txPower": 17, "txUtil": 3, "rxUtil": 5, "interUtil": 11},
				"wp5g": map[string]any{"rdMode": "802.11a/n/ac/ax", "bandWidth": "80MHz", "txPower": 23, "txUtil": 9, "rxUtil": 4, "interUtil": 2},
				"upload": 1000, "download": 2000, "txRate": 300, "rxRate": 400,
			},
			{
				"type": "switch", "mac": "DD-DD-DD-DD-DD-02", "name": "core-switch",
				"compoundModel": "TL-SG2008P v1.0", "firmwareVersion": "1.0.0",
				"needUpgrade": true, "status": 14, "uptimeLong": 654321,
				"cpuUtil": 3, "memUtil": 30,
			},
		},
		EAPs: map[string]map[string]any{
			"DD-DD-DD-DD-DD-01": {
				"mac":            "DD-DD-DD-DD-DD-01",
				"radioSetting2g": map[string]any{"radioEnable": true},
				"radioSetting5g": map[string]any{"radioEnable": false},
				"ssidOverrides": []any{
					map[string]any{"globalSsid": "home", "ssidEnable": true, "supportOverride": true},
					map[string]any{"globalSsid": "guest", "ssidEnable": false, "supportOverride": true},
				},
				"ignored": "not merged",
			},
		},
		Firmware: map[string]map[string]any{
			"DD-DD-DD-DD-DD-02": {"curFwVer": "1.0.0", "lastFwVer": "1.1.0", "fwReleaseLog": "Bug fixes."},
		},
		WLANs: []WLAN{
			{ID: "wlan-1", SSIDs: []string{"home", "guest"}},
			{ID: "wlan-2", SSIDs: []string{"iot"}},
		},
		Overview: map[string]any{
			"totalApNum": 1, "connectedApNum": 1, "totalSwitchNum": 1,
			"totalClientNum": 2, "wiredClientNum": 1, "wirelessClientNum": 1,
			"guestNum": 0, "powerConsumption": 12.5,
		},
	}
}

// Update mutates the served state.
func (s *Server) Update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// Fail injects a fault for "METHOD /endpoint", e.g. "GET /clients".
func (s *Server) Fail(key string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[key] = &f
}

// Heal removes every injected fault.
func (s *Server) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*Fault)
}

// ExpireSession invalidates the current token.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Requests returns a copy of the recorded calls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the recorded calls matching "METHOD /endpoint".
func (s *Server) Calls(key string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method+" "+r.Endpoint == key {
			out = append(out, r)
		}
	}
	return out
}

// ResetRequests clears the call log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) modern() bool {
	v, err := goversion.NewVersion(s.state.Version)
	return err == nil && v.GreaterThanOrEqual(goversion.Must(goversion.NewVersion("5.0.0")))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body map[string]any
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &body)
		}
	}

	if r.URL.Path == "/api/info" {
		s.record(r, "/api/info", body)
		info := map[string]any{"controllerVer": s.state.Version, "apiVer": "3", "type": 1}
		if s.state.ControllerID != "" {
			info["omadacId"] = s.state.ControllerID
		}
		s.ok(w, info)
		return
	}

	prefix := "/api/v2"
	if s.modern() {
		prefix = "/" + s.state.ControllerID + "/api/v2"
	}
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	endpoint := strings.TrimPrefix(r.URL.Path, prefix)

	siteScoped := false
	if rest, ok := strings.CutPrefix(endpoint, "/sites/"); ok {
		site, sub, _ := strings.Cut(rest, "/")
		want := s.state.SiteName
		if s.modern() {
			want = s.state.SiteID
		}
		if site != want {
			s.record(r, endpoint, body)
			s.apiError(w, CodeOperationForbidden, "Permission denied")
			return
		}
		endpoint = "/" + sub
		siteScoped = true
	}
	s.record(r, endpoint, body)

	if f, ok := s.faults[r.Method+" "+endpoint]; ok {
		if f.Times >= 0 {
			s.writeFault(w, f)
			if f.Times > 0 {
				f.Times--
				if f.Times == 0 {
					f.Times = -1
				}
			}
			return
		}
	}

	if endpoint == "/login" && r.Method == http.MethodPost {
		s.login(w, body)
		return
	}

	if s.token == "" || requestToken(r) != s.token {
		if s.state.Unauth401 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.apiError(w, CodeSessionExpired, "Login required")
		return
	}

	if !siteScoped {
		s.controllerEndpoint(w, r, endpoint)
		return
	}
	s.siteEndpoint(w, r, endpoint, body)
}

func (s *Server) login(w http.ResponseWriter, body map[string]any) {
	if body["username"] != s.state.Username || body["password"] != s.state.Password {
		s.apiError(w, CodeLoginFailed, "Invalid username or password.")
		return
	}
	s.logins++
	s.token = fmt.Sprintf("token-%d", s.logins)
	http.SetCookie(w, &http.Cookie{Name: "TPOMADA_SESSIONID", Value: s.token, Path: "/"})
	s.ok(w, map[string]any{"roleType": 0, "token": s.token})
}

func (s *Server) controllerEndpoint(w http.ResponseWriter, r *http.Request, endpoint string) {
	switch {
	case endpoint == "/users/current" && r.Method == http.MethodGet:
		sites := []any{map[string]any{"name": "Elsewhere", "key": "site-other"}}
		if !s.state.OmitSiteID {
			sites = append(sites, map[string]any{"name": s.state.SiteName, "key": s.state.SiteID})
		}
		s.ok(w, map[string]any{
			"name":      s.state.Username,
			"privilege": map[string]any{"all": true, "sites": sites},
		})
	case endpoint == "/maintenance/controllerStatus" && r.Method == http.MethodGet:
		s.ok(w, map[string]any{"name": s.state.Name, "controllerVersion": s.state.Version})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) siteEndpoint(w http.ResponseWriter, r *http.Request, endpoint string, body map[string]any) {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	get := r.Method == http.MethodGet

	switch {
	case get && endpoint == "/clients":
		s.ok(w, map[string]any{"totalRows": len(s.state.Clients), "data": nonNil(s.state.Clients)})
	case get && endpoint == "/insight/clients":
		s.ok(w, map[string]any{"totalRows": len(s.state.KnownClients), "data": nonNil(s.state.KnownClients)})
	case get && endpoint == "/devices":
		s.ok(w, nonNil(s.state.Devices))
	case len(parts) == 2 && parts[0] == "eaps":
		s.eap(w, r, parts[1], body)
	case get && len(parts) == 3 && parts[0] == "devices" && parts[2] == "firmware":
		fw, ok := s.state.Firmware[parts[1]]
		if !ok {
			s.apiError(w, -39002, "Device not found")
			return
		}
		s.ok(w, fw)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "cmd" && parts[1] == "clients":
		s.setBlocked(w, parts[2], parts[3] == "block")
	case get && len(parts) == 4 && parts[0] == "cmd" && parts[1] == "devices" && parts[3] == "onlineUpgrade":
		s.ok(w, nil)
	case r.Method == http.MethodPost && endpoint == "/cmd/rfPlanning/start":
		s.state.RFStatus = 2
		s.ok(w, nil)
	case get && endpoint == "/rfPlanning/result":
		s.ok(w, map[string]any{"status": s.state.RFStatus})
	case get && endpoint == "/overviewDiagram":
		s.ok(w, s.state.Overview)
	case get && endpoint == "/setting/ssids":
		s.legacySSIDs(w)
	case get && endpoint == "/setting/wlans":
		s.wlans(w)
	case get && len(parts) == 4 && parts[0] == "setting" && parts[1] == "wlans" && parts[3] == "ssids":
		s.wlanSSIDs(w, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) eap(w http.ResponseWriter, r *http.Request, mac string, body map[string]any) {
	eap, ok := s.state.EAPs[mac]
	if !ok {
		s.apiError(w, -39002, "Device not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.ok(w, eap)
	case http.MethodPatch:
		for k, v := range body {
			eap[k] = v
		}
		s.ok(w, nil)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) setBlocked(w http.ResponseWriter, mac string, block bool) {
	for _, kc := range s.state.KnownClients {
		if kc["mac"] == mac {
			kc["block"] = block
		}
	}
	s.ok(w, nil)
}

func (s *Server) legacySSIDs(w http.ResponseWriter) {
	var list []any
	for _, wl := range s.state.WLANs {
		for _, name := range wl.SSIDs {
			list = append(list, map[string]any{"ssidName": name})
		}
	}
	s.ok(w, map[string]any{"ssids": []any{map[string]any{"ssidList": nonNil(list)}}})
}

func (s *Server) wlans(w http.ResponseWriter) {
	idField := "wlanId"
	if s.modern() {
		idField = "id"
	}
	data := make([]any, 0, len(s.state.WLANs))
	for _, wl := range s.state.WLANs {
		data = append(data, map[string]any{idField: wl.ID, "name": wl.ID})
	}
	s.ok(w, map[string]any{"data": data})
}

func (s *Server) wlanSSIDs(w http.ResponseWriter, id string) {
	for _, wl := range s.state.WLANs {
		if wl.ID != id {
			continue
		}
		data := make([]any, 0, len(wl.SSIDs))
		for _, name := range wl.SSIDs {
			data = append(data, map[string]any{"name": name})
		}
		s.ok(w, map[string]any{"data": data})
		return
	}
	s.apiError(w, -1001, "Invalid request parameters")
}

func (s *Server) record(r *http.Request, endpoint string, body map[string]any) {
	s.requests = append(s.requests, Request{
		Method:   r.Method,
		Endpoint: endpoint,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Token:    requestToken(r),
		Body:     body,
	})
}

func (s *Server) writeFault(w http.ResponseWriter, f *Fault) {
	switch {
	case f.Code != 0:
		status := f.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"errorCode": f.Code, "msg": f.Msg})
	case f.Status != 0:
		w.WriteHeader(f.Status)
		_, _ = io.WriteString(w, f.RawBody)
	default:
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, f.RawBody)
	}
}

func (s *Server) ok(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	env := map[string]any{"errorCode": 0, "msg": "Success."}
	if result != nil {
		env["result"] = result
	}
	_ = json.NewEncoder(w).Encode(env)
}

func (s *Server) apiError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"errorCode": code, "msg": msg})
}

func requestToken(r *http.Request) string {
	if t := r.Header.Get("Csrf-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

// SortedSSIDs flattens every WLAN's SSIDs in sorted order.
func (st State) SortedSSIDs() []string {
	var out []string
	for _, wl := range st.WLANs {
		out = append(out, wl.SSIDs...)
	}
	sort.Strings(out)
	return out
}
