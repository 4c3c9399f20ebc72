// Command furanomi-sw runs the Furanomi cache controller as an edge
// caching proxy in front of the application origin.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/furanomi/furanomi-sw/backend"
	"github.com/furanomi/furanomi-sw/credentials"
	"github.com/furanomi/furanomi-sw/download"
	"github.com/furanomi/furanomi-sw/expiration"
	"github.com/furanomi/furanomi-sw/lifecycle"
	"github.com/furanomi/furanomi-sw/platform"
	"github.com/furanomi/furanomi-sw/push"
	"github.com/furanomi/furanomi-sw/server"
	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/store/boltstore"
	"github.com/furanomi/furanomi-sw/store/memstore"
	"github.com/furanomi/furanomi-sw/strategy"
	"github.com/furanomi/furanomi-sw/telemetry"
	"github.com/furanomi/furanomi-sw/worker"
)

type CLI struct {
	Address      string `help:"Address to listen on." default:":8080" env:"FURANOMI_ADDRESS"`
	Upstream     string `help:"Origin serving the Furanomi application." required:"" env:"FURANOMI_UPSTREAM"`
	PublicOrigin string `help:"Public origin pages are served from (default: upstream)." env:"FURANOMI_PUBLIC_ORIGIN"`
	CacheVersion string `help:"Cache version tag; bump on deploy to replace caches." default:"v1" env:"FURANOMI_CACHE_VERSION"`

	StoragePath     string        `help:"Directory for persistent cache storage (empty keeps caches in memory)." env:"FURANOMI_STORAGE_PATH"`
	MemoryLimit     int64         `help:"Body byte limit for in-memory storage (0 for unlimited)." default:"268435456" env:"FURANOMI_MEMORY_LIMIT"`
	APITimeout      time.Duration `help:"Network timeout before API requests fall back to the cache." default:"5s" env:"FURANOMI_API_TIMEOUT"`
	FetchTimeout    time.Duration `help:"Upper bound for any upstream request." default:"30s" env:"FURANOMI_FETCH_TIMEOUT"`
	ExpiryInterval  time.Duration `help:"How often to enforce cache expiration." default:"5m" env:"FURANOMI_EXPIRY_INTERVAL"`
	NotificationAPI string        `help:"Base URL of the notification API (default: upstream)." env:"FURANOMI_NOTIFICATION_API"`
	PushEndpoint    string        `help:"Push service base URL subscriptions are issued under." default:"https://push.furanomi.invalid/send" env:"FURANOMI_PUSH_ENDPOINT"`

	Credentials   string `help:"Path to a credentials template file." type:"existingfile" env:"FURANOMI_CREDENTIALS"`
	SecretCommand string `help:"Command resolving {{ secret \"ref\" }} references in the credentials file, e.g. 'op read'." env:"FURANOMI_SECRET_COMMAND"`

	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics." default:"true" env:"FURANOMI_METRICS_PROMETHEUS" negatable:""`
	OTLPEndpoint      string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"FURANOMI_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"FURANOMI_LOG_FORMAT"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("furanomi-sw"),
		kong.Description("Caching proxy and push bridge for the Furanomi PWA."),
		kong.UsageOnError(),
	)
	if err := run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		kctx.Exit(1)
	}
}

func newLogger(cli *CLI) *slog.Logger {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cli.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func loadCredentials(ctx context.Context, cli *CLI, logger *slog.Logger) (*credentials.Credentials, error) {
	if cli.Credentials == "" {
		return &credentials.Credentials{}, nil
	}
	opts := []credentials.ResolverOption{credentials.WithLogger(logger)}
	if argv := strings.Fields(cli.SecretCommand); len(argv) > 0 {
		opts = append(opts, credentials.WithCommand("secret", argv...))
	}
	return credentials.NewResolver(opts...).ResolveFile(ctx, cli.Credentials)
}

// openStorage returns the cache storage and a close function.
func openStorage(cli *CLI, logger *slog.Logger) (store.Storage, func() error, error) {
	if cli.StoragePath == "" {
		s := memstore.New(memstore.WithMaxBytes(cli.MemoryLimit))
		return s, s.Close, nil
	}

	if err := os.MkdirAll(cli.StoragePath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating storage directory: %w", err)
	}
	disk, err := backend.NewDisk(filepath.Join(cli.StoragePath, "blobs"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating body backend: %w", err)
	}
	s, err := boltstore.New(filepath.Join(cli.StoragePath, "caches.db"),
		backend.NewInstrumentedBackend(disk, "disk"),
		boltstore.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache storage: %w", err)
	}
	return s, s.Close, nil
}

func run(cli *CLI) error {
	logger := newLogger(cli)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := loadCredentials(ctx, cli, logger)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   cli.CacheVersion,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	publicOrigin := cli.PublicOrigin
	if publicOrigin == "" {
		publicOrigin = cli.Upstream
	}
	public, err := url.Parse(publicOrigin)
	if err != nil {
		return fmt.Errorf("parsing public origin: %w", err)
	}

	fetcher, err := platform.NewUpstreamFetcher(cli.Upstream,
		platform.WithPublicOrigin(public),
		platform.WithFetchTimeout(cli.FetchTimeout),
	)
	if err != nil {
		return err
	}

	storage, closeStorage, err := openStorage(cli, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Warn("closing storage failed", "error", err)
		}
	}()

	hub := platform.NewHub(platform.WithHubLogger(logger))
	notifiers := platform.Notifiers{hub, platform.NewLogNotifier(logger)}
	if urls := creds.NotifyURLs(); len(urls) > 0 {
		sn, err := platform.NewShoutrrrNotifier(urls, logger)
		if err != nil {
			return fmt.Errorf("configuring notification sinks: %w", err)
		}
		notifiers = append(notifiers, sn)
	}

	pushEndpoint := cli.PushEndpoint
	if creds.Push != nil && creds.Push.Endpoint != "" {
		pushEndpoint = creds.Push.Endpoint
	}

	p := worker.Platform{
		Fetcher:       fetcher,
		Clients:       hub,
		Notifications: notifiers,
		PushManager:   platform.NewLocalPushManager(pushEndpoint),
	}
	w := worker.New(cli.CacheVersion, p, worker.WithLogger(logger))

	router := strategy.NewRouter(strategy.DefaultRules(strategy.Config{
		Version:    cli.CacheVersion,
		Origin:     public,
		Fetcher:    fetcher,
		Storage:    storage,
		Downloader: download.New(download.WithLogger(logger)),
		APITimeout: cli.APITimeout,
		Logger:     logger,
	}), strategy.WithLogger(logger))
	w.OnFetch(router.HandleFetch)
	w.OnActivate(lifecycle.New(storage, hub, lifecycle.WithLogger(logger)).Hook(cli.CacheVersion))
	push.NewHandler(p, logger).Register(w)

	apiBase := cli.NotificationAPI
	if apiBase == "" {
		apiBase = cli.Upstream
	}
	apiOpts := []push.APIOption{push.WithHTTPClient(&http.Client{
		Transport: telemetry.NewFetchTransport(nil, "notification_api"),
		Timeout:   push.DefaultTimeout,
	})}
	if token := creds.PushAPIToken(); token != "" {
		apiOpts = append(apiOpts, push.WithBearerToken(token))
	}
	bridge := push.NewBridge(push.NewAPIClient(apiBase, apiOpts...), p.PushManager, push.WithLogger(logger))

	if err := w.Activate(ctx); err != nil {
		logger.Warn("activation finished with errors", "error", err)
	}

	srv, err := server.New(server.Config{
		Address:   cli.Address,
		Origin:    public,
		AuthToken: creds.AuthToken,
		Logger:    logger,
	}, server.Deps{
		Worker:  w,
		Storage: storage,
		Hub:     hub,
		Bridge:  bridge,
		Reaper: expiration.NewReaper(storage, expiration.Config{
			Interval: cli.ExpiryInterval,
			Logger:   logger,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"upstream", cli.Upstream,
		"origin", public.String(),
		"cache_version", cli.CacheVersion,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
