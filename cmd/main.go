package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	proxylab "github.com/mehedi-monir/http-proxy-lab"
	"github.com/mehedi-monir/http-proxy-lab/pgstore"
	"github.com/mehedi-monir/http-proxy-lab/sqlitestore"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to config file (default: search ./proxylab.yaml, ~/.proxylab/, /etc/proxylab/)")
		genConfig      = flag.Bool("gen-config", false, "generate example config file and exit")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
		autostart      = flag.Bool("autostart", false, "start the proxy listener immediately")
		blockPatterns  = flag.String("block", "", "comma-separated patterns to add at startup")
		verbose        = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Print(proxylab.DefaultBlockPageText)
		return
	}

	if *genConfig {
		if err := proxylab.WriteExampleConfig("proxylab.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Generated proxylab.yaml")
		return
	}

	cfg, err := proxylab.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *autostart {
		cfg.Proxy.Autostart = true
	}
	if *blockPatterns != "" {
		for p := range strings.SplitSeq(*blockPatterns, ",") {
			cfg.Block.Patterns = append(cfg.Block.Patterns, p)
		}
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("proxylab stopped", "error", err)
	}
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *proxylab.Config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	var metrics *proxylab.Metrics
	if cfg.Metrics.Enabled {
		metrics = proxylab.NewMetrics()
	}

	bl := proxylab.NewBlockList(store)
	bl.Logger = logger
	bl.Metrics = metrics
	if err := bl.Load(ctx); err != nil {
		return err
	}

	seed := func(ctx context.Context) error {
		patterns := cfg.Block.Patterns
		if cfg.Block.SeedFile != "" {
			fromFile, err := proxylab.LoadPatternFile(cfg.Block.SeedFile)
			if err != nil {
				return err
			}
			patterns = append(patterns[:len(patterns):len(patterns)], fromFile...)
		}
		n, err := proxylab.SeedBlockList(ctx, bl, patterns)
		if err != nil {
			return fmt.Errorf("seeding block list: %w", err)
		}
		if n > 0 {
			logger.Info("seeded block list", "added", n)
		}
		return nil
	}
	if err := seed(ctx); err != nil {
		return err
	}

	proxy := proxylab.NewProxy(bl, proxylab.NewAccessRecorder(store, logger))
	proxy.Logger = logger
	proxy.Metrics = metrics
	proxy.MaxConnections = cfg.Proxy.MaxConnections
	proxy.RequestBufferSize = cfg.Proxy.RequestBuffer
	proxy.ReadTimeout = cfg.Proxy.ReadTimeout
	proxy.ConnectTimeout = cfg.Proxy.ConnectTimeout
	proxy.IdleTimeout = cfg.Proxy.IdleTimeout
	proxy.MaxResponseSize = cfg.Proxy.MaxResponseSize

	if cfg.Proxy.BlockPageTemplate != "" {
		bp, err := proxylab.NewBlockPageFromFile(cfg.Proxy.BlockPageTemplate)
		if err != nil {
			return fmt.Errorf("load block page template: %w", err)
		}
		proxy.BlockPage = bp
		logger.Info("loaded custom block page", "file", cfg.Proxy.BlockPageTemplate)
	}

	if cfg.Proxy.ClientRate > 0 {
		proxy.RateLimiter = proxylab.NewRateLimiter(cfg.Proxy.ClientRate, cfg.Proxy.ClientBurst)
		defer proxy.RateLimiter.Close()
	}

	if cfg.Proxy.TopHosts > 0 {
		proxy.Hosts = proxylab.NewHostTracker(cfg.Proxy.TopHosts, 60, time.Minute)
		defer proxy.Hosts.Close()
	}

	ctrl := &proxylab.Controller{
		Proxy:       proxy,
		BlockList:   bl,
		Store:       store,
		DefaultHost: cfg.Proxy.Host,
		DefaultPort: cfg.Proxy.Port,
	}

	if cfg.Proxy.Autostart {
		if _, err := ctrl.Start("", 0); err != nil {
			return fmt.Errorf("start proxy: %w", err)
		}
	}

	reloader := proxylab.WatchSIGHUP(bl, seed, logger)
	defer reloader.Cancel()

	if cfg.Block.RefreshInterval > 0 {
		stopRefresh := proxylab.StartAutoReload(ctx, bl, cfg.Block.RefreshInterval, logger)
		defer stopRefresh()
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Dashboard.Enabled {
		health := proxylab.NewHealthChecker()
		health.AddCheck("storage", store.Ping)
		health.SetAlive(true)
		health.SetReady(true)

		api := proxylab.NewAdminAPI(ctrl, store)
		api.Logger = logger
		api.Hosts = proxy.Hosts
		api.Health = health
		api.Metrics = metrics
		api.Compress = cfg.Dashboard.Compression
		api.MaxBodySize = cfg.Dashboard.MaxBodySize

		srv := &http.Server{
			Addr:              cfg.Dashboard.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("dashboard listening", "addr", cfg.Dashboard.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			health.SetReady(false)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dashboard.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dashboard.ShutdownTimeout)
		defer cancel()
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			logger.Warn("proxy connections still open at shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg proxylab.StorageConfig) (proxylab.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return pgstore.Open(ctx, cfg.DSN)
	case "sqlite", "":
		return sqlitestore.Open(cfg.Path, cfg.PoolSize)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newLogger builds the process logger from the logging section. The
// returned func closes the log file, if one was opened.
func newLogger(cfg proxylab.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("logging.level: %w", err)
	}

	var out io.Writer
	closer := func() {}
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "", "text":
		h = slog.NewTextHandler(out, opts)
	default:
		closer()
		return nil, nil, fmt.Errorf("logging.format %q: want text or json", cfg.Format)
	}
	return slog.New(h), closer, nil
}
