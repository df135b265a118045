package omada

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// State is the login state of a [Session].
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	// StateFailed is terminal until the credentials change: the
	// controller rejected them.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RequestFunc performs one authenticated call against an endpoint path
// such as "/clients". Collections receive one instead of the session.
type RequestFunc func(ctx context.Context, method, endpoint string, query url.Values, body any) (json.RawMessage, error)

// SessionConfig identifies the controller and the credentials.
type SessionConfig struct {
	URL      string // scheme://host[:port], no trailing slash
	Site     string // site display name, "Default" on most installs
	Username string
	Password string
}

// Session owns the login handshake and the authenticated request
// primitives. It is safe for concurrent readers; only Login mutates.
type Session struct {
	cfg       SessionConfig
	transport *Transport
	logger    *slog.Logger

	mu     sync.RWMutex
	state  sessionState
	status State
}

// NewSession creates an unauthenticated session.
func NewSession(cfg SessionConfig, transport *Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Site == "" {
		cfg.Site = "Default"
	}
	return &Session{cfg: cfg, transport: transport, logger: logger}
}

// Login refreshes the controller's version information, exchanges the
// credentials for a token and, on 5.x controllers, resolves the site
// id. The new session values replace the old ones in one step, and
// only after every stage succeeded.
func (s *Session) Login(ctx context.Context) error {
	s.setStatus(StateAuthenticating)

	next, err := s.fetchInfo(ctx)
	if err != nil {
		s.setStatus(StateUnauthenticated)
		return err
	}

	creds := map[string]string{
		"username": s.cfg.Username,
		"password": s.cfg.Password,
	}
	raw, err := s.transport.Do(ctx, http.MethodPost, next.controllerURL(s.cfg.URL, "/login"), nil, nil, creds)
	if err != nil {
		if errors.Is(err, ErrLoginFailed) {
			s.setStatus(StateFailed)
		} else {
			s.setStatus(StateUnauthenticated)
		}
		return err
	}

	var login struct {
		RoleType int    `json:"roleType"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(raw, &login); err != nil || login.Token == "" {
		s.setStatus(StateUnauthenticated)
		return &ParseError{Endpoint: "/login", Field: "token", Err: err}
	}
	next.token = login.Token
	next.roleType = login.RoleType

	if next.modern() {
		siteID, err := s.resolveSiteID(ctx, next)
		if err != nil {
			s.setStatus(StateUnauthenticated)
			return err
		}
		next.siteID = siteID
	}

	s.mu.Lock()
	s.state = next
	s.status = StateAuthenticated
	s.mu.Unlock()

	s.logger.Info("omada login successful",
		"version", next.rawVersion,
		"role_type", next.roleType,
		"site", s.cfg.Site,
		"site_id", next.siteID,
	)
	return nil
}

// fetchInfo reads the unauthenticated info endpoint.
func (s *Session) fetchInfo(ctx context.Context) (sessionState, error) {
	raw, err := s.transport.Do(ctx, http.MethodGet, infoURL(s.cfg.URL), nil, nil, nil)
	if err != nil {
		return sessionState{}, err
	}
	var info struct {
		ControllerVer string `json:"controllerVer"`
		OmadacID      string `json:"omadacId"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return sessionState{}, &ParseError{Endpoint: "/api/info", Err: err}
	}
	v, err := parseVersion(info.ControllerVer)
	if err != nil {
		return sessionState{}, err
	}
	next := sessionState{
		rawVersion:   info.ControllerVer,
		version:      v,
		controllerID: info.OmadacID,
	}
	if next.modern() && next.controllerID == "" {
		return sessionState{}, &ParseError{Endpoint: "/api/info", Field: "omadacId"}
	}
	return next, nil
}

// Probe checks that the controller answers its unauthenticated info
// endpoint with a supported version. It does not touch the session.
func (s *Session) Probe(ctx context.Context) error {
	_, err := s.fetchInfo(ctx)
	return err
}

// resolveSiteID maps the configured site name to its opaque id using
// the current user's privilege list.
func (s *Session) resolveSiteID(ctx context.Context, st sessionState) (string, error) {
	query, header := st.authorize(nil, nil)
	raw, err := s.transport.Do(ctx, http.MethodGet, st.controllerURL(s.cfg.URL, "/users/current"), query, header, nil)
	if err != nil {
		return "", err
	}
	var current struct {
		Privilege struct {
			Sites []struct {
				Name string `json:"name"`
				Key  string `json:"key"`
				ID   string `json:"id"`
			} `json:"sites"`
		} `json:"privilege"`
	}
	if err := json.Unmarshal(raw, &current); err != nil {
		return "", &ParseError{Endpoint: "/users/current", Err: err}
	}
	for _, site := range current.Privilege.Sites {
		if site.Name != s.cfg.Site {
			continue
		}
		if site.Key != "" {
			return site.Key, nil
		}
		if site.ID != "" {
			return site.ID, nil
		}
	}
	return "", fmt.Errorf("site %q: %w", s.cfg.Site, ErrUnknownSite)
}

// snapshot returns the current session values, or ErrNotLoggedIn.
func (s *Session) snapshot() (sessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.token == "" {
		return sessionState{}, ErrNotLoggedIn
	}
	return s.state, nil
}

// SiteRequest performs an authenticated call against a site-scoped
// endpoint.
func (s *Session) SiteRequest(ctx context.Context, method, endpoint string, query url.Values, body any) (json.RawMessage, error) {
	st, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	q, h := st.authorize(query, nil)
	return s.transport.Do(ctx, method, st.siteURL(s.cfg.URL, s.cfg.Site, endpoint), q, h, body)
}

// ControllerRequest performs an authenticated call against a
// controller-scoped endpoint.
func (s *Session) ControllerRequest(ctx context.Context, method, endpoint string, query url.Values, body any) (json.RawMessage, error) {
	st, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	q, h := st.authorize(query, nil)
	return s.transport.Do(ctx, method, st.controllerURL(s.cfg.URL, endpoint), q, h, body)
}

// Version returns the controller version reported at the last login.
func (s *Session) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.rawVersion
}

// ControllerID returns the controller id (5.x only).
func (s *Session) ControllerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.controllerID
}

// SiteID returns the resolved site id (5.x only).
func (s *Session) SiteID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.siteID
}

// RoleType returns the account role reported at login.
func (s *Session) RoleType() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.roleType
}

// Status returns the login state.
func (s *Session) Status() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Site returns the configured site name.
func (s *Session) Site() string { return s.cfg.Site }

// URL returns the controller base URL.
func (s *Session) URL() string { return s.cfg.URL }

func (s *Session) setStatus(st State) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}
