package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jmcleod/sessionkeeper/api"
	"github.com/jmcleod/sessionkeeper/identity"
	"github.com/jmcleod/sessionkeeper/internal/config"
	"github.com/jmcleod/sessionkeeper/internal/util"
	"github.com/jmcleod/sessionkeeper/storage"
	bboltstorage "github.com/jmcleod/sessionkeeper/storage/bbolt"
)

const sessionWrapInfo = "sessionkeeper session wrapping key v1"

var serverFlags struct {
	listen         string
	dataDir        string
	tlsCert        string
	tlsKey         string
	sessionStore   string
	redisURL       string
	trustedProxies []string
	metrics        bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s := &cfg.Server
		override(cmd, "listen", &s.Listen, serverFlags.listen)
		override(cmd, "data-dir", &s.DataDir, serverFlags.dataDir)
		override(cmd, "tls-cert", &s.TLSCert, serverFlags.tlsCert)
		override(cmd, "tls-key", &s.TLSKey, serverFlags.tlsKey)
		override(cmd, "session-store", &s.SessionStore, serverFlags.sessionStore)
		override(cmd, "redis-url", &s.RedisURL, serverFlags.redisURL)
		override(cmd, "trusted-proxy", &s.TrustedProxies, serverFlags.trustedProxies)
		override(cmd, "metrics", &s.Metrics, serverFlags.metrics)
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		logger, err := cfg.Log.NewLogger(os.Stderr)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(s.DataDir, "sessionkeeper.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer repo.Close()

		ctx, stop := context.WithCancel(context.Background())
		defer stop()

		verifier, err := newVerifier(ctx, cfg.Identity, logger)
		if err != nil {
			return err
		}
		store, closeStore, err := newSessionStore(ctx, *s, repo, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		opts := []api.Option{
			api.WithLogger(logger),
			api.WithSessionStore(store),
			api.WithSessionTTL(s.SessionTTL),
			api.WithAuditRetention(s.AuditMaxAge, s.AuditMaxEntries),
			api.WithAlertHandler(func(e api.AlertEvent) {
				logger.Warn("security alert", "type", e.Type, "count", e.Count, "threshold", e.Threshold)
			}),
		}
		if len(s.TrustedProxies) > 0 {
			opt, err := api.WithTrustedProxies(s.TrustedProxies)
			if err != nil {
				return err
			}
			opts = append(opts, opt)
		}
		if s.AuditWebhookURL != "" {
			opts = append(opts, api.WithAuditWebhook(s.AuditWebhookURL, s.AuditWebhookAuth))
		}
		var metrics *api.Metrics
		if s.Metrics {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics = api.NewMetrics(reg)
			opts = append(opts, api.WithMetrics(metrics))
		}

		a := api.New(repo, verifier, opts...)
		defer a.Close()
		go a.RunJanitor(ctx, time.Minute)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		if metrics != nil {
			r.Handle("/metrics", metrics.Handler())
		}
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              s.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if s.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(s.TLSCert, s.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
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

		printBanner(cmd.OutOrStdout(), "Session Service")
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (data: %s, sessions: %s)...\n", s.Listen, s.DataDir, s.SessionStore)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
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
	f := serverCmd.Flags()
	f.StringVarP(&serverFlags.listen, "listen", "l", ":8080", "Address to listen on")
	f.StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for persistent data")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.StringVar(&serverFlags.sessionStore, "session-store", config.StoreMemory, "Session store: memory, persistent or redis")
	f.StringVar(&serverFlags.redisURL, "redis-url", "", "Redis URL for the redis session store")
	f.StringSliceVar(&serverFlags.trustedProxies, "trusted-proxy", nil, "CIDR or IP of a reverse proxy whose forwarding headers are trusted (repeatable)")
	f.BoolVar(&serverFlags.metrics, "metrics", true, "Serve Prometheus metrics on /metrics")
}

// newVerifier builds the credential verifier for the configured identity
// mode.
func newVerifier(ctx context.Context, ic config.IdentityConfig, logger *slog.Logger) (api.Verifier, error) {
	switch ic.Mode {
	case config.IdentityOIDC:
		v, err := identity.NewOIDCVerifier(ctx, ic.IssuerURL, ic.ClientID)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		signer, err := identity.NewSigner([]byte(ic.LocalSecret), ic.TokenTTL, identity.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return signer, nil
	}
}

// newSessionStore opens the configured session store. The returned func
// releases it.
func newSessionStore(ctx context.Context, s config.ServerConfig, repo storage.Repository, logger *slog.Logger) (api.SessionStore, func(), error) {
	switch s.SessionStore {
	case config.StorePersistent:
		wrap, err := util.DeriveKey([]byte(s.SessionSecret), nil, sessionWrapInfo)
		if err != nil {
			return nil, nil, fmt.Errorf("deriving session wrapping key: %w", err)
		}
		store, err := api.NewPersistentSessionStore(repo, s.IdleTimeout, wrap, logger)
		util.WipeBytes(wrap)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StoreRedis:
		store, err := api.NewRedisSessionStore(ctx, s.RedisURL, s.IdleTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return api.NewMemorySessionStore(s.IdleTimeout), func() {}, nil
	}
}
