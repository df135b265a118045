// Package integration owns one site connection to an Omada controller:
// its setup, the periodic poll loop, availability tracking and the
// client filtering policy the presentation layers share.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/omada"
)

// opstate namespace and key for the last detail refresh.
const (
	stateNamespace    = "integration"
	lastFullUpdateKey = "last_full_update"
)

// StateStore persists small values across restarts. *opstate.Store
// satisfies it.
type StateStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// Config configures an [Integration].
type Config struct {
	Controller config.ControllerConfig
	Options    config.OptionsConfig
	Poll       config.PollConfig

	// HTTPClient overrides the client built from Controller.VerifySSL.
	HTTPClient *http.Client

	// Bus receives data_updated, options_updated and poll lifecycle
	// events. Nil disables notifications.
	Bus *events.Bus

	// State, when set, keeps the last detail refresh across restarts so
	// a restart does not trigger a burst of detail fetches.
	State StateStore

	Logger *slog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Integration is one site connection.
type Integration struct {
	cfg     Config
	entryID string
	ctrl    *omada.Controller
	logger  *slog.Logger
	bus     *events.Bus

	mu             sync.RWMutex
	options        config.OptionsConfig
	available      bool
	authFailed     bool
	lastFullUpdate time.Time
	lastPoll       time.Time
	lastErr        error

	pollMu  sync.Mutex
	trigger chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New creates an integration. Nothing is contacted until Setup.
func New(cfg Config) (*Integration, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := config.Default().Poll
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = d.Interval
	}
	if cfg.Poll.DetailsInterval <= 0 {
		cfg.Poll.DetailsInterval = d.DetailsInterval
	}
	if cfg.Poll.SetupTimeout <= 0 {
		cfg.Poll.SetupTimeout = d.SetupTimeout
	}
	if cfg.Poll.RequestTimeout <= 0 {
		cfg.Poll.RequestTimeout = d.RequestTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = NewHTTPClient(cfg.Controller.VerifySSL, cfg.Poll.RequestTimeout)
		if err != nil {
			return nil, &SetupError{Category: Classify(err), Err: err}
		}
	}

	entryID := EntryID(cfg.Controller.URL, cfg.Controller.Site)
	logger := cfg.Logger.With("entry", entryID)

	i := &Integration{
		cfg:     cfg,
		entryID: entryID,
		logger:  logger,
		bus:     cfg.Bus,
		options: cfg.Options,
		trigger: make(chan struct{}, 1),
		ctrl: omada.NewController(omada.ControllerConfig{
			URL:        cfg.Controller.URL,
			Site:       cfg.Controller.Site,
			Username:   cfg.Controller.Username,
			Password:   cfg.Controller.Password,
			HTTPClient: client,
			Logger:     logger,
		}),
	}
	i.loadLastFullUpdate()
	return i, nil
}

// EntryID derives a stable identifier for a site connection from the
// controller host and the site name, e.g. "omada.lan_8043_default".
func EntryID(rawURL, site string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return slug(host) + "_" + slug(site)
}

func slug(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// EntryID returns the site connection's identifier.
func (i *Integration) EntryID() string { return i.entryID }

// Controller returns the controller aggregate for read access and
// mutations.
func (i *Integration) Controller() *omada.Controller { return i.ctrl }

// Bus returns the notification bus, possibly nil.
func (i *Integration) Bus() *events.Bus { return i.bus }

// Available reports whether the last connectivity-relevant outcome was
// a success.
func (i *Integration) Available() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.available
}

// AuthFailed reports whether polling stopped because the controller
// rejected the credentials.
func (i *Integration) AuthFailed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.authFailed
}

// LastFullUpdate is when devices were last refreshed with details.
func (i *Integration) LastFullUpdate() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastFullUpdate
}

// LastPoll is when the last poll cycle finished.
func (i *Integration) LastPoll() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastPoll
}

// LastError is the error of the last poll cycle, nil after a success.
func (i *Integration) LastError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

// Options returns the current options.
func (i *Integration) Options() config.OptionsConfig {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.options
}

// UpdateOptions replaces the options and notifies consumers.
func (i *Integration) UpdateOptions(opts config.OptionsConfig) {
	i.mu.Lock()
	i.options = opts
	i.mu.Unlock()
	i.logger.Info("options updated",
		"track_clients", opts.TrackClients,
		"track_devices", opts.TrackDevices,
		"ssid_filter", opts.SSIDFilter,
	)
	i.bus.Emit(events.SourceController, events.KindOptionsUpdated, map[string]any{
		"entry": i.entryID,
	})
}

func (i *Integration) loadLastFullUpdate() {
	if i.cfg.State == nil {
		return
	}
	v, err := i.cfg.State.Get(stateNamespace, i.entryID+":"+lastFullUpdateKey)
	if err != nil {
		i.logger.Warn("failed to load last full update", "error", err)
		return
	}
	if v == "" {
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		i.logger.Warn("ignoring malformed last full update", "value", v, "error", err)
		return
	}
	i.lastFullUpdate = ts
}

func (i *Integration) saveLastFullUpdate(ts time.Time) {
	if i.cfg.State == nil {
		return
	}
	key := i.entryID + ":" + lastFullUpdateKey
	if err := i.cfg.State.Set(stateNamespace, key, ts.UTC().Format(time.RFC3339Nano)); err != nil {
		i.logger.Warn("failed to persist last full update", "error", err)
	}
}

// String identifies the site connection in logs.
func (i *Integration) String() string {
	return fmt.Sprintf("%s (site %s)", i.cfg.Controller.URL, i.cfg.Controller.Site)
}
