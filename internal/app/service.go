package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"sosalert/internal/alertstore"
	"sosalert/internal/api"
	"sosalert/internal/channel"
	"sosalert/internal/clock"
	"sosalert/internal/config"
	"sosalert/internal/directory"
	"sosalert/internal/dispatch"
	"sosalert/internal/kv"
	"sosalert/internal/location"
	"sosalert/internal/logging"
	"sosalert/internal/metrics"
	"sosalert/internal/resync"
	"sosalert/internal/session"
	"sosalert/internal/sos"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable SOS alert service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	kv         kv.Store
	alerts     *alertstore.Store
	metrics    *metrics.Metrics
	queue      *channel.QueueSender
	sessions   *session.Store
	controller *sos.Controller
	resync     *resync.Worker
	httpSrv    *http.Server
	readyFlag  atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and time source.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Source) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	return newServiceFromConfig(cfg, clk)
}

func newServiceFromConfig(cfg config.Config, clk clock.Source) (*Service, error) {
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger.With("service", cfg.Service.Name),
		closeLog: closeLog,
		metrics:  metrics.New(),
		sessions: session.NewStore(),
	}

	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.kv = store
	service.alerts = alertstore.New(store, cfg.Store.HistoryCap, service.logger, clk.Now)

	provider, err := buildLocation(cfg, clk, service.logger)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	channels, backend := service.buildChannels()
	dispatcher := dispatch.New(dispatch.Options{
		Location:         provider,
		Directory:        buildDirectory(cfg, service.logger),
		Channels:         channels,
		Store:            service.alerts,
		Metrics:          service.metrics,
		Logger:           service.logger,
		Now:              clk.Now,
		LocationTimeout:  time.Duration(cfg.Location.TimeoutMS) * time.Millisecond,
		DirectoryTimeout: time.Duration(cfg.Directory.TimeoutMS) * time.Millisecond,
	})
	service.controller = sos.NewController(sos.PolicyFromConfig(cfg.SOS), clk, dispatcher, cfg.Subject, service.sessions, service.logger)

	if cfg.Resync.Enabled {
		service.resync = resync.New(service.alerts, backend, cfg.Resync.Schedule, cfg.Resync.MaxAttempts, service.metrics, service.logger)
	}
	service.buildHTTPServer()
	service.metrics.SetPending(service.alerts.PendingCount(context.Background()))
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Service.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.resync != nil {
		if err := s.resync.Start(shutdownCtx); err != nil {
			_ = s.shutdown()
			return err
		}
	}

	s.readyFlag.Store(true)
	s.logger.Info("sos service ready", "subject_id", s.cfg.Subject.ID, "store", s.cfg.Store.Backend)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.resync != nil {
		s.resync.Stop()
	}
	if s.controller != nil {
		s.controller.Close()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Error("queue channel close failed", "error", err.Error())
			markErr(fmt.Errorf("queue channel close: %w", err))
		}
	}
	if err := s.kv.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.controller != nil {
		s.controller.Close()
		s.controller = nil
	}
	if s.queue != nil {
		_ = s.queue.Close()
		s.queue = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.kv != nil {
		_ = s.kv.Close()
		s.kv = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires command, query, stream, health and metrics routes.
func (s *Service) buildHTTPServer() {
	stream := session.NewStream(s.sessions, s.logger, s.metrics.StreamClients)
	router := api.NewRouter(api.Options{
		Controller:  s.controller,
		Alerts:      s.alerts,
		Stream:      stream,
		Metrics:     promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}),
		HealthPath:  s.cfg.Service.HealthPath,
		ReadyPath:   s.cfg.Service.ReadyPath,
		MetricsPath: s.cfg.Service.MetricsPath,
		Ready:       s.readyFlag.Load,
		Logger:      s.logger,
	})
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Service.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildChannels creates the three guarded delivery channels.
// Returns: dispatcher channel set and backend guard reused by resync.
func (s *Service) buildChannels() (dispatch.Channels, channel.Channel) {
	cfg := s.cfg.Channel
	s.queue = channel.NewQueueSender(cfg.Queue)

	backend := channel.NewGuard(channel.NewBackendSender(cfg.Backend), cfg.Backend.Gate(), s.logger)
	return dispatch.Channels{
		Backend: backend,
		Queue:   channel.NewGuard(s.queue, cfg.Queue.Gate(), s.logger),
		Local:   channel.NewGuard(channel.NewLocalSender(cfg.Local, s.logger), cfg.Local.Gate(), s.logger),
	}, backend
}

// buildStore creates KV backend selected by store.backend.
// Params: context for connectivity checks and config snapshot.
// Returns: KV store.
func buildStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendNATS:
		return kv.NewNATSStore(cfg.Store.NATS)
	case config.StoreBackendRedis:
		return kv.NewRedisStore(ctx, cfg.Store.Redis)
	case config.StoreBackendSQLite:
		return kv.NewSQLiteStore(cfg.Store.SQLite)
	default:
		return kv.NewMemoryStore(), nil
	}
}

// buildLocation creates static provider with optional reverse geocoding.
func buildLocation(cfg config.Config, clk clock.Clock, logger *slog.Logger) (location.Provider, error) {
	var provider location.Provider = location.NewStaticProvider(cfg.Location, clk.Now)
	if !cfg.Location.Enabled || !cfg.Location.Geocode.Enabled {
		return provider, nil
	}
	geocoder, err := location.NewMapsGeocoder(cfg.Location.Geocode)
	if err != nil {
		return nil, err
	}
	return location.NewGeocodingProvider(provider, geocoder, cfg.Location.Geocode.Language, cfg.Location.GeocodeTimeout(), logger), nil
}

// buildDirectory picks HTTP directory with fallback cache, or static config entries.
func buildDirectory(cfg config.Config, logger *slog.Logger) directory.Directory {
	if cfg.Directory.Endpoint == "" {
		return directory.NewStatic(cfg.Directory)
	}
	ttl := time.Duration(cfg.Directory.CacheTTLSec) * time.Second
	return directory.NewCached(directory.NewHTTPDirectory(cfg.Directory), ttl, cfg.Directory.FetchTimeout(), logger)
}
