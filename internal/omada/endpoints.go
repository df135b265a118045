package omada

import (
	"net/http"
	"net/url"

	goversion "github.com/hashicorp/go-version"
)

const apiPath = "/api/v2"

// csrfHeader carries the session token on 5.x controllers.
const csrfHeader = "Csrf-Token"

// sessionState is one immutable snapshot of what the controller told
// us at login. URL shapes and token placement are derived from it on
// every request and never cached elsewhere.
type sessionState struct {
	rawVersion   string
	version      *goversion.Version
	controllerID string
	siteID       string
	token        string
	roleType     int
}

// modern reports whether the controller uses the 5.x API shape.
func (s sessionState) modern() bool {
	return s.version != nil && s.version.GreaterThanOrEqual(v5)
}

// perWLANSSIDs reports whether SSIDs are listed per WLAN group.
func (s sessionState) perWLANSSIDs() bool {
	return s.version != nil && s.version.GreaterThanOrEqual(v448)
}

// wlanIDField is the id attribute of WLAN group objects.
func (s sessionState) wlanIDField() string {
	if s.modern() {
		return "id"
	}
	return "wlanId"
}

// controllerURL builds a controller-scoped URL.
func (s sessionState) controllerURL(base, endpoint string) string {
	if s.modern() {
		return base + "/" + url.PathEscape(s.controllerID) + apiPath + endpoint
	}
	return base + apiPath + endpoint
}

// siteURL builds a site-scoped URL. 5.x addresses the site by its
// opaque id, older controllers by its name.
func (s sessionState) siteURL(base, siteName, endpoint string) string {
	if s.modern() {
		return s.controllerURL(base, "/sites/"+url.PathEscape(s.siteID)+endpoint)
	}
	return base + apiPath + "/sites/" + url.PathEscape(siteName) + endpoint
}

// authorize places the token for an authenticated call.
func (s sessionState) authorize(query url.Values, header http.Header) (url.Values, http.Header) {
	if header == nil {
		header = http.Header{}
	}
	if s.modern() {
		header.Set(csrfHeader, s.token)
		return query, header
	}
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("token", s.token)
	return q, header
}

func infoURL(base string) string {
	return base + "/api/info"
}
