// Package relay is the orchestrator that ties the bridge components together
// and runs their listeners and background workers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnilab/robobridge/internal/api"
	"github.com/omnilab/robobridge/internal/bridge"
	"github.com/omnilab/robobridge/internal/config"
	"github.com/omnilab/robobridge/internal/forward"
	"github.com/omnilab/robobridge/internal/ota"
	"github.com/omnilab/robobridge/internal/registry"
	"github.com/omnilab/robobridge/internal/store"
	"github.com/omnilab/robobridge/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	purgeInterval   = time.Hour
)

// Relay is the bridge process.
type Relay struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	registry  *registry.Registry
	tunnels   *ota.Manager
	writer    *telemetry.Writer
	forwarder *forward.Forwarder
	bridge    *bridge.Bridge
	api       *api.Server

	tcpLn, wsLn, apiLn net.Listener
}

// New builds every component from cfg. It does not open any listener.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	r := &Relay{
		cfg:      cfg,
		logger:   logger.With("component", "relay"),
		store:    db,
		registry: registry.New(),
	}

	r.tunnels = ota.NewManager(logger, ota.Options{
		DialTimeout:    cfg.OTA.DialTimeout.Duration,
		CommandTimeout: cfg.OTA.CommandTimeout.Duration,
	})

	r.writer = telemetry.NewWriter(db, logger, telemetry.Options{
		Types:         cfg.Storage.PersistTypes,
		QueueSize:     cfg.Storage.QueueSize,
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval.Duration,
	})

	opts := bridge.Options{
		RegistrationTimeout:   cfg.Bridge.RegistrationTimeout.Duration,
		MaxLineBytes:          cfg.Bridge.MaxLineBytes,
		MaxClientMessageBytes: cfg.Bridge.MaxClientMsgBytes,
		ClientMsgRate:         cfg.Bridge.ClientMsgRate,
		ClientMsgBurst:        cfg.Bridge.ClientMsgBurst,
		SendQueueSize:         cfg.Bridge.SendQueueSize,
		WriteTimeout:          cfg.Bridge.WriteTimeout.Duration,
		AllowedOrigins:        cfg.Server.AllowedOrigins,
		ChunkDumpDir:          cfg.OTA.ChunkDumpDir,
		ChunkDumpEvery:        cfg.OTA.ChunkDumpEvery,
		Sink:                  r.writer,
		OnRegister:            r.recordRegistration,
	}

	if cfg.Forwarder.Enabled {
		r.forwarder = forward.New(logger, forward.Options{
			URL:       cfg.Forwarder.URL,
			BatchSize: cfg.Forwarder.BatchSize,
			MaxWait:   cfg.Forwarder.MaxWait.Duration,
			Gzip:      cfg.Forwarder.Gzip,
			Timeout:   cfg.Forwarder.Timeout.Duration,
			QueueSize: cfg.Forwarder.QueueSize,
		})
		opts.Forwarder = r.forwarder
	}

	r.bridge = bridge.New(r.registry, r.tunnels, logger, opts)
	r.api = api.NewServer(api.Deps{
		Registry:  r.registry,
		Bridge:    r.bridge,
		Tunnels:   r.tunnels,
		Store:     db,
		Writer:    r.writer,
		Forwarder: r.forwarder,
	}, cfg, logger)

	if err := r.seedAddresses(context.Background()); err != nil {
		r.logger.Warn("could not load known robots", "error", err)
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			r.logger.Warn("allowed_origins contains wildcard '*', any page may open subscriber sockets")
			break
		}
	}

	return r, nil
}

// Registry returns the connection registry.
func (r *Relay) Registry() *registry.Registry { return r.registry }

// Bridge returns the protocol bridge.
func (r *Relay) Bridge() *bridge.Bridge { return r.bridge }

// Listen binds the robot, subscriber and admin listeners. Run calls it when
// it has not been called yet.
func (r *Relay) Listen() error {
	if r.tcpLn != nil {
		return nil
	}
	var err error
	if r.tcpLn, err = net.Listen("tcp", r.cfg.Server.TCPAddr); err != nil {
		return fmt.Errorf("listen robots on %s: %w", r.cfg.Server.TCPAddr, err)
	}
	if r.wsLn, err = net.Listen("tcp", r.cfg.Server.WSAddr); err != nil {
		_ = r.tcpLn.Close()
		return fmt.Errorf("listen subscribers on %s: %w", r.cfg.Server.WSAddr, err)
	}
	if r.apiLn, err = net.Listen("tcp", r.cfg.Server.APIAddr); err != nil {
		_ = r.tcpLn.Close()
		_ = r.wsLn.Close()
		return fmt.Errorf("listen api on %s: %w", r.cfg.Server.APIAddr, err)
	}
	return nil
}

// Addrs returns the bound robot, subscriber and admin addresses.
// Valid after Listen.
func (r *Relay) Addrs() (tcp, ws, api string) {
	return r.tcpLn.Addr().String(), r.wsLn.Addr().String(), r.apiLn.Addr().String()
}

// Run serves until ctx is cancelled or a listener fails, then shuts
// everything down: listeners first, then live connections, then the
// persistence and forwarding queues, then the store.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		_ = r.store.Close()
		return err
	}

	wsSrv := &http.Server{Handler: r.bridge.Handler(), ReadHeaderTimeout: 10 * time.Second}
	apiSrv := &http.Server{Handler: r.api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	// Workers outlive the listeners so messages relayed during shutdown
	// are still persisted and forwarded.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go func() { _ = r.writer.Run(workerCtx) }()
	if r.forwarder != nil {
		go func() { _ = r.forwarder.Run(workerCtx) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	r.api.StartBackgroundTasks(gctx)

	g.Go(func() error {
		return r.bridge.ServeTCP(gctx, r.tcpLn)
	})
	g.Go(func() error {
		r.logger.Info("subscriber listener started", "addr", r.wsLn.Addr().String())
		if err := wsSrv.Serve(r.wsLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("subscriber server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.logger.Info("api listener started", "addr", r.apiLn.Addr().String())
		if err := apiSrv.Serve(r.apiLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.runRetentionPurger(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range []*http.Server{apiSrv, wsSrv} {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
				_ = srv.Close()
			}
		}

		// Hijacked sockets are not covered by Shutdown.
		r.bridge.Close()
		r.tunnels.Close()
		return nil
	})

	err := g.Wait()

	stopWorkers()
	<-r.writer.Done()
	if r.forwarder != nil {
		<-r.forwarder.Done()
	}

	r.logger.Info("closing store")
	if cerr := r.store.Close(); cerr != nil {
		r.logger.Warn("close store", "error", cerr)
	}
	r.logger.Info("shutdown complete")

	if err != nil {
		return err
	}
	return ctx.Err()
}

// recordRegistration persists the address a robot registered from.
func (r *Relay) recordRegistration(robotID string, addr registry.Address) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()
	err := r.store.UpsertRobot(ctx, &store.Robot{
		ID:        robotID,
		IP:        addr.IP,
		Port:      addr.Port,
		FirstSeen: now,
		LastSeen:  now,
	})
	if err != nil {
		r.logger.Warn("persist registration", "robot_id", robotID, "error", err)
	}
}

// seedAddresses loads robots seen by earlier runs so they are listed as
// known before they reconnect.
func (r *Relay) seedAddresses(ctx context.Context) error {
	robots, err := r.store.ListRobots(ctx)
	if err != nil {
		return err
	}
	for _, rb := range robots {
		r.registry.SetAddress(rb.ID, registry.Address{IP: rb.IP, Port: rb.Port})
	}
	if len(robots) > 0 {
		r.logger.Info("loaded known robots", "count", len(robots))
	}
	return nil
}

func (r *Relay) runRetentionPurger(ctx context.Context) {
	retention := r.cfg.Storage.Retention.Duration
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purge(ctx, time.Now().Add(-retention))
		}
	}
}

func (r *Relay) purge(ctx context.Context, cutoff time.Time) {
	n, err := r.store.PurgeTelemetryBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("retention purge failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("retention purge: deleted old telemetry", "count", n)
	}
}
