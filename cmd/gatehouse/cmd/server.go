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
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/oauth"
	"github.com/jmcleod/gatehouse/session"
)

var (
	port           int
	store          string
	dataDir        string
	tlsCert        string
	tlsKey         string
	trustedProxies []string
	logLevel       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session gateway",
	Long: `Starts the gateway. Settings come from the environment (and a .env
file when present); flags given on the command line take precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&store, "store", config.StoreMemory, "Session store: memory, bolt, postgres or redis")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the bolt session database")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDR ranges whose forwarding headers are trusted")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("store") {
		cfg.Store = store
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = tlsKey
	}
	if flags.Changed("trusted-proxies") {
		cfg.TrustedProxies = trustedProxies
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newHandler wires the session manager, identity provider and gate.
func newHandler(ctx context.Context, cfg *config.Config, b *backend, logger *slog.Logger) (http.Handler, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	managerOpts := []session.ManagerOption{
		session.WithPolicy(policy),
		session.WithMaxSessions(cfg.MaxSessions),
	}
	if b.locker != nil {
		managerOpts = append(managerOpts, session.WithLocker(b.locker))
	}
	manager := session.NewManager(b.store, managerOpts...)

	provider, err := oauth.New(ctx, cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("configuring identity provider: %w", err)
	}

	proxies, err := cfg.TrustedPrefixes()
	if err != nil {
		return nil, err
	}

	a := api.New(manager, provider,
		api.WithLogger(logger),
		api.WithTrustedProxies(proxies),
		api.WithAllowedOrigins(cfg.AllowedOrigins),
		api.WithSecureCookies(cfg.SecureCookies),
		api.WithLandingPath(cfg.LandingPath),
		api.WithVersion(Version),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert",
				"alert", string(e.Type),
				"message", e.Message,
				"count", e.Count,
				"threshold", e.Threshold)
		}),
	)
	return a.Router(), nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg.LogLevel)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	handler, err := newHandler(ctx, cfg, b, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
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

	printBanner(os.Stdout)
	logger.Info("gateway started",
		"addr", cfg.Addr(),
		"store", cfg.Store,
		"provider", cfg.OAuth.Provider,
		"tls", server.TLSConfig != nil,
		"idle_timeout", cfg.IdleTimeout.String(),
		"max_sessions", cfg.MaxSessions,
		"policy", cfg.SessionPolicy)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
