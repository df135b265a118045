// Package influx writes Omada site metrics to InfluxDB v2: one
// omada_device point per managed device and one omada_client point per
// connected client after every successful poll.
package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/nugget/omada-bridge/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

var (
	// ErrDisabled is returned by Connect when the writer is not enabled.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps a failed initial ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// PointWriter accepts points for asynchronous delivery. api.WriteAPI
// satisfies it.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Client is a connected InfluxDB client with a batching write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger
}

// Connect pings the server and sets up a non-blocking write API.
// Asynchronous write failures are logged.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger *slog.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.With("component", "influx"),
	}
	go func() {
		for err := range c.writeAPI.Errors() {
			c.logger.Warn("influxdb write failed", "error", err)
		}
	}()
	return c, nil
}

// WritePoint queues a point.
func (c *Client) WritePoint(p *write.Point) { c.writeAPI.WritePoint(p) }

// Flush sends queued points.
func (c *Client) Flush() { c.writeAPI.Flush() }

// Ping reports whether the server is reachable; used as a health probe.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		return errors.New("influxdb ping: server not healthy")
	}
	return nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}
