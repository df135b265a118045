package influx

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/integration"
)

// Writer turns successful polls of one site into points.
type Writer struct {
	integ  *integration.Integration
	out    PointWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a writer. now may be nil.
func NewWriter(integ *integration.Integration, out PointWriter, logger *slog.Logger, now func() time.Time) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Writer{integ: integ, out: out, logger: logger.With("component", "influx"), now: now}
}

// Run writes points after every successful data_updated for its site
// until ctx is cancelled or the channel is closed.
func (w *Writer) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if e.Kind != events.KindDataUpdated {
				continue
			}
			if entry, _ := e.Data["entry"].(string); entry != w.integ.EntryID() {
				continue
			}
			if ok, _ := e.Data["ok"].(bool); !ok {
				continue
			}
			n := w.Write()
			w.logger.Debug("influxdb points queued", "points", n)
		}
	}
}

// Write queues one point per device and connected client and returns
// the number written.
func (w *Writer) Write() int {
	ctrl := w.integ.Controller()
	opts := w.integ.Options()
	site := w.integ.EntryID()
	ts := w.now()

	n := 0
	if opts.TrackDevices {
		for _, d := range ctrl.Devices.All() {
			w.out.WritePoint(DevicePoint(site, d, ts))
			n++
		}
	}
	if opts.TrackClients {
		for _, c := range ctrl.Clients.All() {
			if !w.integ.IsClientAllowed(c.MAC()) {
				continue
			}
			w.out.WritePoint(ClientPoint(site, c, ts))
			n++
		}
	}
	return n
}
