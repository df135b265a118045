package omada

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
)

// rfPlanningRunning is the RF planning status while optimization runs.
const rfPlanningRunning = 2

// ControllerConfig configures a [Controller].
type ControllerConfig struct {
	URL      string
	Site     string
	Username string
	Password string

	// HTTPClient carries the TLS policy and the cookie jar. It must not
	// retry: relogin and retry are the poll loop's decision.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// RFPlanning is the state of the controller's WLAN optimization.
type RFPlanning struct {
	Status int64 `json:"status"`
}

// Running reports whether an optimization is in progress.
func (p RFPlanning) Running() bool { return p.Status == rfPlanningRunning }

// Overview is the site-level summary from the overview diagram.
type Overview struct{ Record }

func (o Overview) WANCapacity() float64      { return o.Float("netCapacity", 0) }
func (o Overview) WANUtilization() float64   { return o.Float("netUtilization", 0) }
func (o Overview) PowerConsumption() float64 { return o.Float("powerConsumption", 0) }
func (o Overview) GatewaysTotal() int64      { return o.Int("totalGatewayNum", 0) }
func (o Overview) GatewaysConnected() int64  { return o.Int("connectedGatewayNum", 0) }
func (o Overview) SwitchesTotal() int64      { return o.Int("totalSwitchNum", 0) }
func (o Overview) PortsTotal() int64         { return o.Int("totalPorts", 0) }
func (o Overview) PortsAvailable() int64     { return o.Int("availablePorts", 0) }
func (o Overview) APsTotal() int64           { return o.Int("totalApNum", 0) }
func (o Overview) APsConnected() int64       { return o.Int("connectedApNum", 0) }
func (o Overview) APsDisconnected() int64    { return o.Int("disconnectedApNum", 0) }
func (o Overview) APsIsolated() int64        { return o.Int("isolatedApNum", 0) }
func (o Overview) ClientsTotal() int64       { return o.Int("totalClientNum", 0) }
func (o Overview) ClientsWired() int64       { return o.Int("wiredClientNum", 0) }
func (o Overview) ClientsWireless() int64    { return o.Int("wirelessClientNum", 0) }
func (o Overview) Guests() int64             { return o.Int("guestNum", 0) }

// Controller is one site on one Omada controller: the session, the
// three collections and the controller-level state.
type Controller struct {
	session *Session
	logger  *slog.Logger

	Clients      *Clients
	KnownClients *KnownClients
	Devices      *Devices

	mu         sync.RWMutex
	name       string
	version    string
	ssids      map[string]struct{}
	rfPlanning *RFPlanning
	overview   *Overview
}

// NewController creates a controller. Nothing is fetched until Login.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	session := NewSession(SessionConfig{
		URL:      cfg.URL,
		Site:     cfg.Site,
		Username: cfg.Username,
		Password: cfg.Password,
	}, NewTransport(client, logger), logger)

	return &Controller{
		session:      session,
		logger:       logger,
		Clients:      newClients(session.SiteRequest, logger),
		KnownClients: newKnownClients(session.SiteRequest, logger),
		Devices:      newDevices(session.SiteRequest, logger),
		ssids:        make(map[string]struct{}),
	}
}

// Session exposes the login state and version information.
func (c *Controller) Session() *Session { return c.session }

// Login authenticates. See [Session.Login].
func (c *Controller) Login(ctx context.Context) error { return c.session.Login(ctx) }

// UpdateStatus refreshes the controller name and reported version.
func (c *Controller) UpdateStatus(ctx context.Context) error {
	raw, err := c.session.ControllerRequest(ctx, http.MethodGet, "/maintenance/controllerStatus", nil, nil)
	if err != nil {
		return err
	}
	var status struct {
		Name              string `json:"name"`
		ControllerVersion string `json:"controllerVersion"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return &ParseError{Endpoint: "/maintenance/controllerStatus", Field: "name", Err: err}
	}
	c.mu.Lock()
	c.name = status.Name
	c.version = status.ControllerVersion
	c.mu.Unlock()
	return nil
}

// Name is the controller name from the last UpdateStatus.
func (c *Controller) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Version is the controller's self-reported version from the last
// UpdateStatus, falling back to the version seen at login.
func (c *Controller) Version() string {
	c.mu.RLock()
	v := c.version
	c.mu.RUnlock()
	if v == "" {
		return c.session.Version()
	}
	return v
}

// UpdateSSIDs replaces the set of SSIDs configured on the site.
func (c *Controller) UpdateSSIDs(ctx context.Context) error {
	st, err := c.session.snapshot()
	if err != nil {
		return err
	}

	var names []string
	if st.perWLANSSIDs() {
		names, err = c.wlanSSIDs(ctx, st)
	} else {
		names, err = c.legacySSIDs(ctx)
	}
	if err != nil {
		if !st.modern() && errors.Is(err, ErrOperationForbidden) {
			return fmt.Errorf("site %q: %w: %w", c.session.Site(), ErrUnknownSite, err)
		}
		return err
	}

	next := make(map[string]struct{}, len(names))
	for _, n := range names {
		next[n] = struct{}{}
	}
	c.mu.Lock()
	c.ssids = next
	c.mu.Unlock()
	c.logger.Debug("ssids updated", "count", len(next))
	return nil
}

func (c *Controller) legacySSIDs(ctx context.Context) ([]string, error) {
	raw, err := c.session.SiteRequest(ctx, http.MethodGet, "/setting/ssids", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		SSIDs []struct {
			SSIDList []struct {
				SSIDName string `json:"ssidName"`
			} `json:"ssidList"`
		} `json:"ssids"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ParseError{Endpoint: "/setting/ssids", Field: "ssids", Err: err}
	}
	var names []string
	for _, group := range resp.SSIDs {
		for _, s := range group.SSIDList {
			names = append(names, s.SSIDName)
		}
	}
	return names, nil
}

func (c *Controller) wlanSSIDs(ctx context.Context, st sessionState) ([]string, error) {
	raw, err := c.session.SiteRequest(ctx, http.MethodGet, "/setting/wlans", nil, nil)
	if err != nil {
		return nil, err
	}
	var wlans struct {
		Data []map[string]any `json:"data"`
	}
	if err := decodeJSON(raw, &wlans); err != nil {
		return nil, &ParseError{Endpoint: "/setting/wlans", Field: "data", Err: err}
	}

	idField := st.wlanIDField()
	var names []string
	for _, w := range wlans.Data {
		id := NewRecord(w, nil).String(idField)
		if id == "" {
			return nil, &ParseError{Endpoint: "/setting/wlans", Field: idField}
		}
		endpoint := "/setting/wlans/" + url.PathEscape(id) + "/ssids"
		raw, err := c.session.SiteRequest(ctx, http.MethodGet, endpoint, nil, nil)
		if err != nil {
			return nil, err
		}
		var ssids struct {
			Data []struct {
				Name string `json:"name"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &ssids); err != nil {
			return nil, &ParseError{Endpoint: endpoint, Field: "data", Err: err}
		}
		for _, s := range ssids.Data {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

// SSIDs returns the site's SSID names, sorted.
func (c *Controller) SSIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ssids))
	for s := range c.ssids {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// StartRFPlanning starts a WLAN optimization run.
func (c *Controller) StartRFPlanning(ctx context.Context) error {
	if _, err := c.session.SiteRequest(ctx, http.MethodPost, "/cmd/rfPlanning/start", nil, nil); err != nil {
		return fmt.Errorf("start rf planning: %w", err)
	}
	return nil
}

// UpdateRFPlanning refreshes the optimization status.
func (c *Controller) UpdateRFPlanning(ctx context.Context) error {
	raw, err := c.session.SiteRequest(ctx, http.MethodGet, "/rfPlanning/result", nil, nil)
	if err != nil {
		return err
	}
	var p RFPlanning
	if err := decodeJSON(raw, &p); err != nil {
		return &ParseError{Endpoint: "/rfPlanning/result", Field: "status", Err: err}
	}
	c.mu.Lock()
	c.rfPlanning = &p
	c.mu.Unlock()
	return nil
}

// RFPlanning returns the last optimization status, ok false before the
// first successful UpdateRFPlanning.
func (c *Controller) RFPlanning() (RFPlanning, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rfPlanning == nil {
		return RFPlanning{}, false
	}
	return *c.rfPlanning, true
}

// UpdateOverview refreshes the site overview.
func (c *Controller) UpdateOverview(ctx context.Context) error {
	raw, err := c.session.SiteRequest(ctx, http.MethodGet, "/overviewDiagram", nil, nil)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := decodeJSON(raw, &payload); err != nil {
		return &ParseError{Endpoint: "/overviewDiagram", Err: err}
	}
	c.mu.Lock()
	c.overview = &Overview{NewRecord(payload, nil)}
	c.mu.Unlock()
	return nil
}

// Overview returns the last site overview, ok false before the first
// successful UpdateOverview.
func (c *Controller) Overview() (Overview, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.overview == nil {
		return Overview{}, false
	}
	return *c.overview, true
}
