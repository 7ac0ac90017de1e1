package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	_ "github.com/viant/afsc/gs"

	"github.com/musabulbul/kurumtakip/api"
	"github.com/musabulbul/kurumtakip/config"
	"github.com/musabulbul/kurumtakip/credstore"
	"github.com/musabulbul/kurumtakip/dispatch"
	"github.com/musabulbul/kurumtakip/internal/tracing"
	"github.com/musabulbul/kurumtakip/protocol"
	"github.com/musabulbul/kurumtakip/protocol/loopback"
	"github.com/musabulbul/kurumtakip/session"
	"github.com/musabulbul/kurumtakip/tenant"
	tenantbolt "github.com/musabulbul/kurumtakip/tenant/bbolt"
	tenantfirestore "github.com/musabulbul/kurumtakip/tenant/firestore"
	"github.com/musabulbul/kurumtakip/tenant/memory"
)

var (
	addr          string
	sessionRoot   string
	tenantBackend string
	logLevel      string
	tlsCert       string
	tlsKey        string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the messaging broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(os.Stderr, cfg.LogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		shutdownTracing := tracing.Noop()
		if cfg.Tracing.Enabled {
			shutdownTracing, err = tracing.Setup(cfg.Tracing.ServiceName, Version, os.Stdout)
			if err != nil {
				return err
			}
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()

		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// No WriteTimeout: a send may wait for the connection and then for
		// its jitter delay, and the events stream is long-lived.
		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           app.Handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on %s (sessions: %s, tenants: %s)...\n", cfg.Addr, cfg.SessionRoot, cfg.Tenants.Backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (default from config or PORT)")
	serverCmd.Flags().StringVar(&sessionRoot, "session-root", "", "Directory holding per-session credential directories")
	serverCmd.Flags().StringVar(&tenantBackend, "tenant-backend", "", "Tenant store backend: bbolt, firestore or memory")
	serverCmd.Flags().StringVar(&dbPath, "db", "", "Path to the BBolt tenant database")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// app is the wired broker: HTTP handler plus the resources it owns.
type app struct {
	Handler  http.Handler
	Registry *session.Registry

	closers []func() error
}

// Close stops every session and releases the tenant store.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.SessionRoot, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}
	proxies, err := api.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxy: %w", err)
	}
	a := &app{}

	docs, closeDocs, err := openTenantStore(ctx, cfg.Tenants)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeDocs)

	resolver := tenant.NewResolver(docs,
		tenant.WithCollection(cfg.Tenants.Collection),
		tenant.WithSessionField(cfg.Tenants.SessionField),
		tenant.WithFallback(cfg.Tenants.DefaultSessionID),
		tenant.WithCacheTTL(cfg.Tenants.CacheTTL),
		tenant.WithLogger(logger),
	)

	dialer, err := newDialer(cfg.Protocol, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	creds := credstore.New(cfg.Credentials.URL,
		credstore.WithPrefix(cfg.Credentials.Prefix),
		credstore.WithParallelism(cfg.Credentials.Parallelism),
		credstore.WithLogger(logger),
	)
	if !creds.Enabled() {
		logger.Warn("remote credential store disabled; sessions will not survive a restart")
	}

	registry := session.NewRegistry(cfg.SessionRoot, dialer,
		session.WithCredentialStore(creds),
		session.WithClientOptions(protocol.Options{Browser: cfg.Protocol.Browser}),
		session.WithEvictOnLogout(cfg.Session.EvictOnLogout),
		session.WithLogger(logger),
	)
	a.Registry = registry
	a.closers = append(a.closers, registry.Close)

	dispatcher := dispatch.New(
		dispatch.WithConnectTimeout(cfg.Dispatch.ConnectTimeout),
		dispatch.WithPairingSettle(cfg.Dispatch.PairingSettle),
		dispatch.WithLogger(logger),
	)

	handler := api.New(resolver, registry,
		api.WithLogger(logger),
		api.WithDispatcher(dispatcher),
		api.WithDefaultDelays(cfg.Dispatch.DefaultMinDelay, cfg.Dispatch.DefaultMaxDelay),
		api.WithPairingLimit(cfg.HTTP.PairingLimit),
		api.WithTrustedProxies(proxies),
		api.WithAuditWebhook(cfg.HTTP.AuditWebhookURL, cfg.HTTP.AuditWebhookAuthHeader),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("alert", "type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
	)

	a.closers = append(a.closers, handler.Close)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", handler.Router())
	a.Handler = r
	return a, nil
}

func openTenantStore(ctx context.Context, cfg config.Tenants) (tenant.DocumentStore, func() error, error) {
	switch cfg.Backend {
	case config.BackendBbolt:
		store, err := tenantbolt.NewStoreFromFile(cfg.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open tenant database: %w", err)
		}
		return store, store.Close, nil
	case config.BackendFirestore:
		store, err := tenantfirestore.Open(ctx, cfg.Project)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open firestore: %w", err)
		}
		return store, store.Close, nil
	case config.BackendMemory:
		return memory.NewStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown tenant backend %q", cfg.Backend)
	}
}

func newDialer(cfg config.Protocol, logger *slog.Logger) (protocol.Dialer, error) {
	switch cfg.Driver {
	case config.DriverLoopback:
		return &loopback.Dialer{
			ConnectDelay: cfg.ConnectDelay,
			ConfirmDelay: cfg.ConfirmDelay,
			Logger:       logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown protocol driver %q", cfg.Driver)
	}
}
