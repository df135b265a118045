package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/omada-bridge/internal/api"
	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/connwatch"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/influx"
	"github.com/nugget/omada-bridge/internal/integration"
	"github.com/nugget/omada-bridge/internal/mqtt"
	"github.com/nugget/omada-bridge/internal/opstate"
)

// Setup retry bounds while the controller is unreachable.
const (
	setupRetryMin = 5 * time.Second
	setupRetryMax = 5 * time.Minute
)

// registryNamespace is the opstate namespace of a site's announced
// discovery entities.
func registryNamespace(entry string) string {
	return "mqtt_entities:" + entry
}

// serveEnv is what outlives a site connection across reloads.
type serveEnv struct {
	logger     *slog.Logger
	store      *opstate.Store
	bus        *events.Bus
	watch      *connwatch.Manager
	server     *api.Server
	instanceID string
	influx     *influx.Client
	bridge     bridgeRef
}

// bridgeRef lets the API report the entity count of whichever bridge is
// current.
type bridgeRef struct {
	p atomic.Pointer[mqtt.Bridge]
}

func (r *bridgeRef) Entities() int {
	if b := r.p.Load(); b != nil {
		return b.Entities()
	}
	return 0
}

// runServe is the primary operating mode. It polls the configured site,
// runs the MQTT and InfluxDB bridges and the diagnostics API, and blocks
// until SIGINT or SIGTERM. SIGHUP reloads the configuration: option
// changes are applied in place; controller changes, or a site whose
// credentials were rejected, get a fresh site connection.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting omada-bridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"controller", cfg.Controller.URL,
		"site", cfg.Controller.Site,
		"port", cfg.Listen.Port,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	store, err := opstate.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	env := &serveEnv{
		logger: logger,
		store:  store,
		bus:    events.New(),
		watch:  connwatch.NewManager(logger),
	}
	defer env.watch.Stop()

	if cfg.MQTT.Configured() {
		env.instanceID, err = mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
	}

	if cfg.InfluxDB.Enabled {
		env.influx, err = influx.Connect(ctx, cfg.InfluxDB, logger)
		if err != nil {
			logger.Warn("influxdb disabled", "error", err)
		} else {
			defer env.influx.Close()
			env.watch.Watch(ctx, connwatch.WatcherConfig{
				Name:    "influxdb",
				Probe:   env.influx.Ping,
				Backoff: connwatch.DefaultBackoffConfig(),
				Logger:  logger,
			})
			logger.Info("influxdb writer enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	env.server = api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Services: env.watch,
		Entities: &env.bridge,
		Logger:   logger,
	}, nil)
	serverErr := make(chan error, 1)
	if cfg.Listen.Port > 0 {
		go func() {
			if err := env.server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		logger.Info("diagnostics API disabled")
	}

	s, err := startSite(ctx, env, cfg)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			s.stop()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = env.server.Shutdown(shutdownCtx)
			shutdownCancel()
			logger.Info("omada-bridge stopped")
			return nil

		case err := <-serverErr:
			s.stop()
			return fmt.Errorf("API server failed: %w", err)

		case <-hup:
			next, err := config.Load(cfgPath)
			if err == nil {
				err = next.Validate()
			}
			if err != nil {
				logger.Error("config reload failed, keeping current configuration", "path", cfgPath, "error", err)
				continue
			}
			if next.MQTT != cfg.MQTT || next.InfluxDB != cfg.InfluxDB || next.Listen != cfg.Listen {
				logger.Warn("mqtt, influxdb and listen changes need a restart")
			}
			if next.Controller == cfg.Controller && next.Poll == cfg.Poll && !s.integ.AuthFailed() {
				cfg.Options = next.Options
				s.integ.UpdateOptions(next.Options)
				logger.Info("options reloaded")
				continue
			}

			logger.Info("recreating site connection", "controller", next.Controller.URL, "site", next.Controller.Site)
			s.stop()
			cfg.Controller, cfg.Options, cfg.Poll = next.Controller, next.Options, next.Poll
			if s, err = startSite(ctx, env, cfg); err != nil {
				return err
			}
		}
	}
}

// site is one running site connection and the consumers bound to it.
type site struct {
	integ  *integration.Integration
	conn   *mqtt.Conn
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []<-chan events.Event
	bus    *events.Bus
}

func startSite(ctx context.Context, env *serveEnv, cfg *config.Config) (*site, error) {
	integ, err := integration.New(integration.Config{
		Controller: cfg.Controller,
		Options:    cfg.Options,
		Poll:       cfg.Poll,
		Bus:        env.bus,
		State:      env.store,
		Logger:     env.logger,
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &site{
		integ:  integ,
		logger: env.logger.With("entry", integ.EntryID()),
		cancel: cancel,
		bus:    env.bus,
	}
	env.server.SetIntegration(integ)

	env.watch.Watch(sctx, connwatch.WatcherConfig{
		Name:    "controller",
		Probe:   integ.Controller().Session().Probe,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: s.controllerReachable,
		Logger:  env.logger,
	})

	if cfg.MQTT.Configured() {
		registry, err := opstate.LoadRegistry(env.store, registryNamespace(integ.EntryID()))
		if err != nil {
			cancel()
			integ.Close()
			return nil, fmt.Errorf("load mqtt entity registry: %w", err)
		}
		bridge := mqtt.NewBridge(mqtt.BridgeConfig{
			MQTT:        cfg.MQTT,
			InstanceID:  env.instanceID,
			Integration: integ,
			Registry:    registry,
			Logger:      env.logger,
		})
		env.bridge.p.Store(bridge)
		s.conn = mqtt.NewConn(cfg.MQTT, env.instanceID, bridge, env.logger)

		ch := s.subscribe()
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			if err := s.conn.Start(sctx); err != nil {
				s.logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		go func() {
			defer s.wg.Done()
			bridge.Run(sctx, ch)
		}()

		env.watch.Watch(sctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pctx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pctx, 2*time.Second)
				defer awaitCancel()
				return s.conn.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  env.logger,
		})
		s.logger.Info("mqtt bridge enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"registered", registry.Len(),
		)
	} else {
		s.logger.Info("mqtt bridge disabled (not configured)")
	}

	if env.influx != nil {
		writer := influx.NewWriter(integ, env.influx, env.logger, nil)
		ch := s.subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			writer.Run(sctx, ch)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.setupAndRun(sctx)
	}()
	return s, nil
}

// controllerReachable polls at once when the controller comes back,
// instead of waiting out the poll interval. Before the first poll the
// setup loop owns the schedule.
func (s *site) controllerReachable() {
	if s.integ.LastPoll().IsZero() {
		return
	}
	s.logger.Info("controller reachable, refreshing")
	s.integ.TriggerRefresh()
}

func (s *site) subscribe() <-chan events.Event {
	ch := s.bus.Subscribe(64)
	s.subs = append(s.subs, ch)
	return ch
}

// setupAndRun retries Setup with backoff until it succeeds, then starts
// the poll loop. Rejected credentials stop the retries until a reload.
func (s *site) setupAndRun(ctx context.Context) {
	delay := setupRetryMin
	for {
		err := s.integ.Setup(ctx)
		if err == nil {
			if err := s.integ.Start(ctx); err != nil {
				s.logger.Error("poll loop not started", "error", err)
			}
			return
		}
		var serr *integration.SetupError
		if errors.As(err, &serr) && serr.Category == integration.CategoryFaultyCredentials {
			s.logger.Error("controller rejected the credentials; fix the config and send SIGHUP", "error", err)
			return
		}
		s.logger.Warn("controller setup failed, retrying", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, setupRetryMax)
	}
}

// stop publishes the bridge offline, cancels the consumers and closes
// the site connection.
func (s *site) stop() {
	if s.conn != nil {
		offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.conn.Stop(offCtx); err != nil {
			s.logger.Warn("mqtt shutdown failed", "error", err)
		}
		offCancel()
	}
	s.cancel()
	s.wg.Wait()
	s.integ.Close()
	for _, ch := range s.subs {
		s.bus.Unsubscribe(ch)
	}
}
