// sfgrid resource server
//
// Serves directory listings of tar and zip containers held on local, S3
// or SMB resources, and forwards requests for containers on resources
// owned by other servers in the zone.
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/sfgrid/internal/api"
	"github.com/fruitsalade/sfgrid/internal/auth"
	"github.com/fruitsalade/sfgrid/internal/catalog"
	"github.com/fruitsalade/sfgrid/internal/config"
	"github.com/fruitsalade/sfgrid/internal/dispatch"
	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
	"github.com/fruitsalade/sfgrid/internal/resolver"
	"github.com/fruitsalade/sfgrid/internal/retry"
	"github.com/fruitsalade/sfgrid/internal/rpc"
	"github.com/fruitsalade/sfgrid/internal/storage"
	"github.com/fruitsalade/sfgrid/internal/structfile/driver"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}
	cc, err := config.LoadConnectionContext(cfg.EnvFile)
	if err != nil {
		panic("connection context error: " + err.Error())
	}

	level := cfg.LogLevel
	if cc.LogLevel != "" {
		level = cc.LogLevel
	}
	if err := logging.Init(logging.Config{
		Level:  level,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("sfgrid server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("host", cc.Address()),
		zap.String("zone", cc.Zone))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resource catalog
	var cat catalog.Catalog
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		store, err := catalog.OpenResourceStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			logging.Fatal("catalog schema failed", zap.Error(err))
		}
		cat = store
	} else {
		static, err := catalog.LoadTopology(cfg.TopologyFile)
		if err != nil {
			logging.Fatal("topology load failed", zap.Error(err), zap.String("file", cfg.TopologyFile))
		}
		cat = static
		logging.Info("topology loaded", zap.String("file", cfg.TopologyFile))
	}

	// Peer connections, signed with the zone key
	signer := auth.NewSigner(cc.ZoneKey, cc.Zone, cc.User, cc.Address())
	var peerTLS *tls.Config
	if cc.Scheme == "https" {
		peerTLS = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	pool := resolver.NewPool(func(_ context.Context, addr string) (resolver.Peer, error) {
		return rpc.NewClient(cc.Scheme+"://"+addr, signer, rpc.ClientConfig{
			Timeout:        cfg.RemoteTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
			TLSConfig:      peerTLS,
		}), nil
	}, retry.DefaultConfig())
	defer pool.Close()

	res, err := resolver.New(cc, cat, pool)
	if err != nil {
		logging.Fatal("resolver init failed", zap.Error(err))
	}

	// Storage for the resources this host owns
	storageRouter, err := storage.NewRouter(ctx, cat, res.Owns)
	if err != nil {
		logging.Fatal("storage router init failed", zap.Error(err))
	}
	defer storageRouter.Close()
	logging.Info("storage router ready", zap.Strings("resources", storageRouter.Resources()))

	drivers := driver.DefaultRegistry()
	dispatcher := dispatch.New(dispatch.Config{
		DefaultBatchSize: cfg.DefaultBatchSize,
		MaxBatchSize:     cfg.MaxBatchSize,
		RemoteTimeout:    cfg.RemoteTimeout,
		SessionIdleTTL:   cfg.SessionIdleTTL,
	}, res, storageRouter, drivers)
	go dispatcher.Run(ctx)
	logging.Info("dispatcher ready", zap.Strings("container_types", drivers.Tags()))

	srv := api.NewServer(dispatcher, auth.NewVerifier(cc.ZoneKey, cc.Zone), res.Self())

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		dispatcher.Shutdown(shutdownCtx)
		cancel()
		metricsServer.Close()
	}()

	// Periodic catalog reload
	go func() {
		ticker := time.NewTicker(cfg.CatalogRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := storageRouter.Reload(ctx); err != nil {
					logging.Error("catalog reload failed", zap.Error(err))
				}
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
	<-ctx.Done()
}
