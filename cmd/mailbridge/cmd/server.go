package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/mailbridge/api"
	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/internal/config"
	"github.com/jmcleod/mailbridge/internal/util"
	"github.com/jmcleod/mailbridge/redirect"
)

var (
	port    int
	dataDir string
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the single sign-on bridge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(func(c *config.Config) {
			flags := cmd.Flags()
			if flags.Changed("port") {
				c.HTTP.Port = port
			}
			if flags.Changed("data-dir") {
				c.DataDir = dataDir
			}
			if flags.Changed("tls-cert") {
				c.HTTP.TLS.CertPath = tlsCert
			}
			if flags.Changed("tls-key") {
				c.HTTP.TLS.KeyPath = tlsKey
			}
		})
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		repo, closeRepo, err := openRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		sessions, closeSessions, err := openSessions(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeSessions()

		v, err := newVault(cfg, repo, logger)
		if err != nil {
			return err
		}
		svc := bridge.NewService(newBridge(&cfg, logger), v)

		proxies, err := api.WithTrustedProxies(cfg.HTTP.TrustedProxies)
		if err != nil {
			return err
		}
		a := api.New(svc, sessions, cfg.Webmail.Target(),
			api.WithLogger(logger),
			proxies,
			api.WithSessionTTL(cfg.Session.MaxAge),
			api.WithAuditWebhook(cfg.HTTP.Audit.WebhookURL, cfg.HTTP.Audit.WebhookHeader),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn(e.Message, "alert", e.Type, "count", e.Count, "threshold", e.Threshold)
			}),
		)
		defer a.Close()
		a.StartMaintenance(ctx)

		tlsConfig, err := serverTLSConfig(cfg.HTTP.TLS, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		server := &http.Server{
			Addr:              cfg.HTTP.Addr(),
			Handler:           newRouter(a, cfg.Webmail, logger),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("starting server",
			"addr", cfg.HTTP.Addr(),
			"storage", cfg.Storage.Backend,
			"sessions", cfg.Session.Backend,
			"webmail", redirect.EndpointURL(cfg.Webmail.Host, cfg.Webmail.Port, cfg.Webmail.Path, cfg.Webmail.Secure, cfg.Webmail.InternalAddress),
		)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
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
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

// newRouter mounts the API under /api/v1 behind the shared middleware.
func newRouter(a *api.API, wm config.WebmailConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(requestLog(logger.With("component", "http")))
	r.Use(api.SecurityHeaders(frameSource(wm)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())
	return r
}

// frameSource is the CSP source for the webmail iframe. It carries no
// scheme so it matches whichever one the portal page uses.
func frameSource(wm config.WebmailConfig) string {
	p := redirect.RedirectPath(wm.Host, wm.Port, "")
	return strings.TrimSuffix(strings.TrimPrefix(p, "//"), "/")
}

func serverTLSConfig(c config.TLSConfig, out io.Writer) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if c.CertPath != "" && c.KeyPath != "" {
		cert, err = tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(out, "Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
