package integration

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/omada"
)

// maxAttempts bounds one poll cycle: the first try plus one retry after
// a relogin.
const maxAttempts = 2

// ErrAuthFailed is returned by Poll once the controller has rejected the
// credentials. Polling stays stopped until the integration is rebuilt
// with new credentials.
var ErrAuthFailed = errors.New("controller rejected the credentials")

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("integration closed")

// Poll runs one poll cycle. Cycles never overlap; a call made while one
// is in flight waits for it. Exactly one data_updated event is emitted
// per cycle.
func (i *Integration) Poll(ctx context.Context) error {
	i.pollMu.Lock()
	defer i.pollMu.Unlock()

	if i.AuthFailed() {
		i.logger.Debug("poll skipped, credentials rejected")
		return ErrAuthFailed
	}

	start := i.cfg.Now()
	opts := i.Options()
	withDetails := start.Sub(i.LastFullUpdate()) >= i.cfg.Poll.DetailsInterval

	i.bus.Emit(events.SourceController, events.KindPollStart, map[string]any{
		"entry":   i.entryID,
		"details": withDetails && opts.TrackDevices,
	})

	var err error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		err = i.cycle(ctx, withDetails)
		if err == nil {
			i.mu.Lock()
			i.available = true
			if withDetails && opts.TrackDevices {
				i.lastFullUpdate = start
			}
			i.mu.Unlock()
			if withDetails && opts.TrackDevices {
				i.saveLastFullUpdate(start)
			}
			break
		}
		if !i.handlePollError(ctx, err) {
			break
		}
	}

	i.mu.Lock()
	i.lastPoll = i.cfg.Now()
	i.lastErr = err
	available := i.available
	i.mu.Unlock()

	i.bus.Emit(events.SourceController, events.KindDataUpdated, map[string]any{
		"entry":     i.entryID,
		"available": available,
		"ok":        err == nil,
	})
	i.bus.Emit(events.SourceController, events.KindPollComplete, map[string]any{
		"entry":      i.entryID,
		"ok":         err == nil,
		"attempts":   attempts,
		"elapsed_ms": i.cfg.Now().Sub(start).Milliseconds(),
	})
	return err
}

// handlePollError applies the failure policy and reports whether the
// cycle should be retried.
func (i *Integration) handlePollError(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, omada.ErrLoginFailed):
		i.latchAuthFailure(err)
		return false

	case errors.Is(err, omada.ErrLoginRequired), errors.Is(err, omada.ErrNotLoggedIn), omada.IsTransient(err):
		if ctx.Err() != nil {
			return false
		}
		i.setAvailable(false)
		if errors.Is(err, omada.ErrLoginRequired) {
			i.logger.Warn("token possibly expired, renewing", "error", err)
		} else {
			i.logger.Error("unable to connect to controller", "error", err)
		}
		if lerr := i.ctrl.Login(ctx); lerr != nil {
			if errors.Is(lerr, omada.ErrLoginFailed) {
				i.latchAuthFailure(lerr)
				return false
			}
			i.logger.Warn("relogin failed", "error", lerr)
		}
		return true

	default:
		// Availability is left as it was: a single API error on an
		// otherwise reachable controller must not flap availability.
		var detailErr *omada.DetailError
		if errors.As(err, &detailErr) {
			// Clients are refreshed after devices, so they stay stale
			// until the item's details load again.
			i.logger.Warn("detail fetch failed, cycle aborted before clients refreshed",
				"collection", detailErr.Collection,
				"mac", detailErr.Key,
				"error", detailErr.Err,
			)
			return false
		}
		i.logger.Error("omada API error", "error", err)
		return false
	}
}

func (i *Integration) latchAuthFailure(err error) {
	i.mu.Lock()
	i.available = false
	i.authFailed = true
	i.mu.Unlock()
	i.logger.Error("controller rejected the credentials, polling stopped", "error", err)
}

func (i *Integration) setAvailable(v bool) {
	i.mu.Lock()
	i.available = v
	i.mu.Unlock()
}

// cycle is one attempt: status, then devices, then clients.
func (i *Integration) cycle(ctx context.Context, withDetails bool) error {
	opts := i.Options()

	if err := i.ctrl.UpdateStatus(ctx); err != nil {
		return err
	}

	if opts.TrackDevices {
		if err := i.ctrl.Devices.Update(ctx, withDetails); err != nil {
			return err
		}
		if err := i.ctrl.UpdateRFPlanning(ctx); err != nil {
			i.logger.Debug("rf planning status unavailable", "error", err)
		}
		if err := i.ctrl.UpdateOverview(ctx); err != nil {
			i.logger.Debug("site overview unavailable", "error", err)
		}
	}

	if opts.TrackClients {
		if err := i.ctrl.Clients.Update(ctx, false); err != nil {
			return err
		}
		if err := i.ctrl.KnownClients.Update(ctx, false); err != nil {
			return err
		}
	}

	i.logger.Debug("poll cycle complete",
		"devices", i.ctrl.Devices.Len(),
		"clients", i.ctrl.Clients.Len(),
		"known_clients", i.ctrl.KnownClients.Len(),
		"details", withDetails,
	)
	return nil
}

// TriggerRefresh asks the run loop for an immediate cycle. Requests
// made while one is already pending are coalesced.
func (i *Integration) TriggerRefresh() {
	select {
	case i.trigger <- struct{}{}:
	default:
	}
}

// Run polls on the configured interval and on TriggerRefresh until ctx
// is cancelled. It blocks.
func (i *Integration) Run(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.Poll.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-i.trigger:
		}
		if ctx.Err() != nil {
			return
		}
		_ = i.Poll(ctx)
	}
}

// Start runs the poll loop in the background until Close.
func (i *Integration) Start(ctx context.Context) error {
	i.runMu.Lock()
	defer i.runMu.Unlock()
	if i.closed {
		return ErrClosed
	}
	if i.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})
	go func() {
		defer close(i.done)
		i.Run(runCtx)
	}()
	return nil
}

// Close stops the poll loop. No new cycle starts after Close returns;
// a cycle in flight is cancelled through its context.
func (i *Integration) Close() {
	i.runMu.Lock()
	defer i.runMu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	if i.cancel != nil {
		i.cancel()
		<-i.done
	}
	i.logger.Info("site connection closed")
}
