package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/integration"
	"github.com/nugget/omada-bridge/internal/omada"
)

// maxBodyBytes caps mutation request bodies.
const maxBodyBytes = 4096

// normalizeMAC accepts aa:bb:cc:dd:ee:ff and AA-BB-CC-DD-EE-FF alike
// and returns the controller's form.
func normalizeMAC(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), ":", "-"))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// site returns the current integration or writes 503.
func (s *Server) site(w http.ResponseWriter) (*integration.Integration, bool) {
	integ := s.integration()
	if integ == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no site connection")
		return nil, false
	}
	return integ, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if integ := s.integration(); integ == nil || !integ.Available() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"name":    "omada-bridge",
		"version": buildinfo.Version,
		"build":   buildinfo.Info(),
	}
	if integ := s.integration(); integ != nil {
		ctrl := integ.Controller()
		sess := ctrl.Session()
		site := map[string]any{
			"entry":            integ.EntryID(),
			"site":             sess.Site(),
			"available":        integ.Available(),
			"auth_failed":      integ.AuthFailed(),
			"last_poll":        formatTime(integ.LastPoll()),
			"last_full_update": formatTime(integ.LastFullUpdate()),
			"controller": map[string]any{
				"name":          ctrl.Name(),
				"version":       ctrl.Version(),
				"controller_id": sess.ControllerID(),
				"session":       sess.Status().String(),
			},
			"counts": map[string]int{
				"devices":       ctrl.Devices.Len(),
				"clients":       ctrl.Clients.Len(),
				"known_clients": ctrl.KnownClients.Len(),
			},
		}
		if err := integ.LastError(); err != nil {
			site["last_error"] = err.Error()
		}
		resp["site"] = site
	}
	if s.cfg.Services != nil {
		resp["services"] = s.cfg.Services.Status()
	}
	if s.cfg.Entities != nil {
		resp["mqtt"] = map[string]any{"entities": s.cfg.Entities.Entities()}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	kind := r.URL.Query().Get("type")
	out := make([]deviceView, 0, integ.Controller().Devices.Len())
	for _, d := range integ.Controller().Devices.All() {
		if kind != "" && d.Type() != kind {
			continue
		}
		out = append(out, newDeviceView(d))
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	d, ok := integ.Controller().Devices.Lookup(normalizeMAC(chi.URLParam(r, "mac")))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "device not found")
		return
	}
	resp := map[string]any{"device": newDeviceView(d)}
	if r.URL.Query().Get("raw") != "" {
		resp["raw"] = d.Raw()
		resp["details"] = d.Details()
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	onlyAllowed := r.URL.Query().Get("allowed") == "true"
	clients := integ.Controller().Clients.All()
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		allowed := integ.IsClientAllowed(c.MAC())
		if onlyAllowed && !allowed {
			continue
		}
		out = append(out, newClientView(c, allowed))
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) handleKnownClients(w http.ResponseWriter, _ *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	known := integ.Controller().KnownClients.All()
	out := make([]knownClientView, 0, len(known))
	for _, k := range known {
		mac := k.MAC()
		out = append(out, newKnownClientView(k, integ.ClientConnected(mac), integ.IsClientAllowed(mac)))
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) handleSSIDs(w http.ResponseWriter, _ *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	ssids := integ.Controller().SSIDs()
	if ssids == nil {
		ssids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ssids":  ssids,
		"filter": integ.Options().SSIDFilter,
	}, s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	integ.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true}, s.logger)
}

type radioRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetRadio(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	band, err := omada.ParseBand(strings.ToLower(chi.URLParam(r, "band")))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	d, ok := s.accessPoint(w, integ, chi.URLParam(r, "mac"))
	if !ok {
		return
	}
	if !d.Supports(band) {
		s.errorResponse(w, http.StatusBadRequest, "device has no "+band.Label()+" radio")
		return
	}
	var req radioRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.errorResponse(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.command(w, r, integ, "set_radio", d.MAC(), func(ctx context.Context) error {
		return integ.Controller().Devices.SetRadioEnabled(ctx, d.MAC(), band, *req.Enabled)
	})
}

func (s *Server) handleSetSSID(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	d, ok := s.accessPoint(w, integ, chi.URLParam(r, "mac"))
	if !ok {
		return
	}
	var req radioRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.errorResponse(w, http.StatusBadRequest, "enabled is required")
		return
	}
	ssid := chi.URLParam(r, "ssid")
	s.command(w, r, integ, "set_ssid", d.MAC(), func(ctx context.Context) error {
		return integ.Controller().Devices.SetSSIDOverride(ctx, d.MAC(), ssid, *req.Enabled)
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	d, ok := integ.Controller().Devices.Lookup(normalizeMAC(chi.URLParam(r, "mac")))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "device not found")
		return
	}
	if !d.NeedUpgrade() {
		s.errorResponse(w, http.StatusConflict, "no firmware upgrade available")
		return
	}
	s.command(w, r, integ, "upgrade", d.MAC(), func(ctx context.Context) error {
		return integ.Controller().Devices.TriggerUpdate(ctx, d.MAC())
	})
}

type blockRequest struct {
	Blocked *bool `json:"blocked"`
}

func (s *Server) handleSetBlocked(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	mac := normalizeMAC(chi.URLParam(r, "mac"))
	if !integ.Controller().KnownClients.Contains(mac) && !integ.Controller().Clients.Contains(mac) {
		s.errorResponse(w, http.StatusNotFound, "client not found")
		return
	}
	var req blockRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Blocked == nil {
		s.errorResponse(w, http.StatusBadRequest, "blocked is required")
		return
	}
	s.command(w, r, integ, "set_blocked", mac, func(ctx context.Context) error {
		return integ.Controller().KnownClients.SetBlocked(ctx, mac, *req.Blocked)
	})
}

func (s *Server) accessPoint(w http.ResponseWriter, integ *integration.Integration, mac string) (omada.Device, bool) {
	d, ok := integ.Controller().Devices.Lookup(normalizeMAC(mac))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "device not found")
		return omada.Device{}, false
	}
	if !d.IsAccessPoint() {
		s.errorResponse(w, http.StatusBadRequest, "device is not an access point")
		return omada.Device{}, false
	}
	return d, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// command runs a controller mutation, reports it on the bus and asks
// for a refresh so the next data_updated reflects the result.
func (s *Server) command(w http.ResponseWriter, r *http.Request, integ *integration.Integration, name, target string, fn func(context.Context) error) {
	err := fn(r.Context())

	data := map[string]any{
		"entry":   integ.EntryID(),
		"command": name,
		"target":  target,
		"ok":      err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	integ.Bus().Emit(events.SourceAPI, events.KindCommand, data)

	if err != nil {
		s.logger.Warn("api command failed", "command", name, "target", target, "error", err)
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, omada.ErrDetailsUnavailable):
			code = http.StatusConflict
		case errors.Is(err, omada.ErrNoSuchOverride):
			code = http.StatusNotFound
		}
		s.errorResponse(w, code, err.Error())
		return
	}
	s.logger.Info("api command executed", "command", name, "target", target)
	integ.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true}, s.logger)
}
