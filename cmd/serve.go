package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"onemcp/internal/aggregate"
	"onemcp/internal/catalog"
	"onemcp/internal/config"
	"onemcp/internal/dispatch"
	"onemcp/internal/filter"
	"onemcp/internal/oauth"
	"onemcp/internal/proxy"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
	"onemcp/pkg/mcperr"
)

var (
	serveConfigDir string
	serveCatalog   string
	serveTransport string
	serveHost      string
	servePort      int
	serveLogLevel  string
	serveTags      []string
	servePaginate  bool
	serveAuth      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Starts the proxy: connects every enabled server from the catalog, watches
the catalog for changes, and serves the aggregated MCP surface over the
configured inbound transport (streamable HTTP and SSE, or stdio).

Configuration is read from config.yaml in the config directory, overridden
by ONE_MCP_* environment variables, overridden by flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigDir)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)

	// On stdio the pipes carry the protocol; logs must stay off stdout.
	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := catalog.NewWatcher(cfg.CatalogFile())
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	presets, err := filter.NewStore(cfg.PresetsFile())
	if err != nil {
		return fmt.Errorf("failed to load presets: %w", err)
	}

	manager := upstream.NewManager(cfg.Name)
	defer manager.Shutdown()

	dispatcher := dispatch.New(manager, mcperr.RetryOptions{
		Count: cfg.Retry.Count,
		Delay: cfg.Retry.Delay,
	})

	var authHandler *oauth.Handler
	if cfg.Auth.Enabled {
		store, err := oauth.NewFileStore(cfg.SessionsDir())
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		store.StartSweeper()
		defer store.Stop()
		authHandler = oauth.NewHandler(store, "http://"+cfg.ListenAddr(),
			cfg.Auth.TokenTTL, cfg.Auth.CodeTTL,
			oauth.NewRateLimiter(cfg.Auth.RateLimit, time.Minute))
	}

	server := proxy.NewServer(proxy.Options{
		Name:            cfg.Name,
		Version:         rootCmd.Version,
		Manager:         manager,
		Dispatcher:      dispatcher,
		Aggregator:      aggregate.NewAggregator(),
		Presets:         presets,
		Auth:            authHandler,
		DefaultPaginate: cfg.Pagination,
	})
	defer server.Close()

	// The server's hooks are wired; bring the outbound side up.
	manager.Run(ctx, watcher.Subscribe())
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch catalog: %w", err)
	}
	defer watcher.Stop()
	manager.Reconcile(ctx, watcher.Current())

	switch cfg.Transport {
	case "stdio":
		err := server.ServeStdio(ctx, os.Stdin, os.Stdout, cfg.Tags)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case "http":
		return serveHTTP(ctx, cfg, server)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func serveHTTP(ctx context.Context, cfg config.Config, server *proxy.Server) error {
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logging.Info("Serve", "Listening on http://%s", cfg.ListenAddr())

	select {
	case <-ctx.Done():
		logging.Info("Serve", "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// applyServeFlags overlays set flags onto the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("config") {
		cfg.CatalogPath = serveCatalog
	}
	if flags.Changed("transport") {
		cfg.Transport = serveTransport
	}
	if flags.Changed("host") {
		cfg.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}
	if flags.Changed("tags") {
		cfg.Tags = serveTags
	}
	if flags.Changed("pagination") {
		cfg.Pagination = servePaginate
	}
	if flags.Changed("enable-auth") {
		cfg.Auth.Enabled = serveAuth
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigDir, "config-dir", "", "Configuration directory (default ~/.config/onemcp)")
	serveCmd.Flags().StringVar(&serveCatalog, "config", "", "Catalog file path (default <config-dir>/mcp.json)")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "http", "Inbound transport: http or stdio")
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind the HTTP transports to")
	serveCmd.Flags().IntVar(&servePort, "port", 3050, "Port to bind the HTTP transports to")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringSliceVar(&serveTags, "tags", nil, "Tags pre-filtering the outbound set for stdio sessions")
	serveCmd.Flags().BoolVar(&servePaginate, "pagination", false, "Default list responses to per-server pages")
	serveCmd.Flags().BoolVar(&serveAuth, "enable-auth", false, "Enable the OAuth 2.1 endpoints and bearer-token gating")
}
