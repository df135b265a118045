package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/httpkit"
	"github.com/nugget/omada-bridge/internal/omada"
)

// Category is the user-facing classification of a setup failure.
type Category string

const (
	CategoryInvalidURL         Category = "invalid_url"
	CategorySSLError           Category = "ssl_error"
	CategoryUnknownSite        Category = "unknown_site"
	CategoryUnsupportedVersion Category = "unsupported_version"
	CategoryFaultyCredentials  Category = "faulty_credentials"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryAPIError           Category = "api_error"
)

// Description is a short human explanation of the category.
func (c Category) Description() string {
	switch c {
	case CategoryInvalidURL:
		return "the controller URL is not valid"
	case CategorySSLError:
		return "the controller certificate could not be verified"
	case CategoryUnknownSite:
		return "the site does not exist on the controller"
	case CategoryUnsupportedVersion:
		return "the controller version is not supported"
	case CategoryFaultyCredentials:
		return "the username or password was rejected"
	case CategoryServiceUnavailable:
		return "the controller could not be reached"
	}
	return "the controller returned an error"
}

// SetupError is a failed setup step with its category.
type SetupError struct {
	Category Category
	Step     string
	Err      error
}

func (e *SetupError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("setup failed (%s): %v", e.Category, e.Err)
	}
	return fmt.Sprintf("setup failed at %s (%s): %v", e.Step, e.Category, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Classify maps an error from the omada package to a setup category.
// TLS and URL problems are checked before generic connection errors
// because they arrive wrapped in a RequestError.
func Classify(err error) Category {
	switch {
	case errors.Is(err, omada.ErrInvalidURL):
		return CategoryInvalidURL
	case errors.Is(err, omada.ErrSSL):
		return CategorySSLError
	case errors.Is(err, omada.ErrUnknownSite):
		return CategoryUnknownSite
	case errors.Is(err, omada.ErrUnsupportedVersion):
		return CategoryUnsupportedVersion
	case errors.Is(err, omada.ErrLoginFailed):
		return CategoryFaultyCredentials
	case errors.Is(err, context.DeadlineExceeded), omada.IsTransient(err):
		return CategoryServiceUnavailable
	}
	return CategoryAPIError
}

// NewHTTPClient builds the controller HTTP client for a verification
// policy. The client keeps a cookie jar for the controller session and
// never retries.
func NewHTTPClient(verify config.TLSVerify, timeout time.Duration) (*http.Client, error) {
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(timeout),
		httpkit.WithCookieJar(),
	}
	switch {
	case !verify.Enabled:
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	case verify.CAFile != "":
		pool, err := httpkit.LoadCertPool(verify.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", omada.ErrSSL, err)
		}
		opts = append(opts, httpkit.WithRootCAs(pool))
	}
	return httpkit.NewClient(opts...), nil
}

// Setup logs in, reads the controller status and the SSID list, each
// bounded by the setup timeout, then runs the first poll. A failure
// returns a *SetupError and leaves the integration unavailable.
func (i *Integration) Setup(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"login", i.ctrl.Login},
		{"status", i.ctrl.UpdateStatus},
		{"ssids", i.ctrl.UpdateSSIDs},
	}

	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, i.cfg.Poll.SetupTimeout)
		err := step.fn(stepCtx)
		cancel()
		if err != nil {
			serr := &SetupError{Category: Classify(err), Step: step.name, Err: err}
			if serr.Category == CategoryFaultyCredentials {
				i.mu.Lock()
				i.authFailed = true
				i.mu.Unlock()
				i.logger.Warn("connected to controller but unauthorized", "error", err)
			} else {
				i.logger.Warn("controller setup failed",
					"step", step.name, "category", serr.Category, "error", err)
			}
			i.bus.Emit(events.SourceController, events.KindSetupComplete, map[string]any{
				"entry":    i.entryID,
				"ok":       false,
				"category": string(serr.Category),
			})
			return serr
		}
	}

	i.logger.Info("controller setup complete",
		"name", i.ctrl.Name(),
		"version", i.ctrl.Version(),
		"ssids", len(i.ctrl.SSIDs()),
	)
	i.bus.Emit(events.SourceController, events.KindSetupComplete, map[string]any{
		"entry": i.entryID,
		"ok":    true,
	})

	// The first poll's failures are reported through availability, not
	// as setup failures.
	_ = i.Poll(ctx)
	return nil
}
