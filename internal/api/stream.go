package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/omada-bridge/internal/events"
)

// Event stream timing.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10

	// wsBufferSize is the per-connection bus subscription buffer. A
	// slow reader misses events rather than stalling the bus.
	wsBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// errStreamClosed ends the write pump when the subscription is closed.
var errStreamClosed = errors.New("event stream closed")

// handleEvents streams bus events as JSON text frames. The optional
// kind query parameter takes a comma-separated list of event kinds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.site(w)
	if !ok {
		return
	}
	bus := integ.Bus()
	if bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	kinds := parseKinds(r.URL.Query().Get("kind"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ch := bus.Subscribe(wsBufferSize)
	defer bus.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "kinds", kinds)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return readPump(conn) })
	g.Go(func() error { return writePump(ctx, conn, ch, kinds) })
	err = g.Wait()
	s.logger.Debug("event stream closed", "remote", r.RemoteAddr, "reason", err)
}

// readPump discards client frames and keeps the read deadline moving on
// pongs. It returns when the connection fails or the client closes it.
func readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// writePump forwards matching events and pings until ctx ends. It
// closes the connection on return so readPump unblocks.
func writePump(ctx context.Context, conn *websocket.Conn, ch <-chan events.Event, kinds map[string]bool) error {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return errStreamClosed
			}
			if len(kinds) > 0 && !kinds[e.Kind] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}

func parseKinds(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[string]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[k] = true
		}
	}
	return kinds
}
