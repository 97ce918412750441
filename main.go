package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/jukasdrj/bookstrack-backend-sub000/internal"
)

type cli struct {
	Serve serveCmd `cmd:"" default:"1" help:"Run the metadata API server."`
	Warm  warmCmd  `cmd:""             help:"Run the cache warming consumer."`

	Verbose bool `env:"VERBOSE" help:"Enable debug logging."`
}

// commonFlags configure the subsystems both commands share.
type commonFlags struct {
	PostgresDSN    string `env:"POSTGRES_DSN" help:"Postgres connection string for the durable cache and job store."`
	EdgeCacheBytes int64  `env:"EDGE_CACHE_BYTES" default:"134217728" help:"In-process cache size in bytes."`

	GoogleBooksKey string `env:"GOOGLE_BOOKS_API_KEY" help:"Google Books API key."`
	ISBNDBKey      string `env:"ISBNDB_API_KEY" help:"ISBNdb API key."`

	ProviderRPS       float64 `env:"PROVIDER_RPS" default:"5" help:"Outbound requests per second, per provider."`
	ProviderTimeoutMS int     `env:"PROVIDER_TIMEOUT_MS" default:"10000" help:"Per-request provider timeout in milliseconds."`

	TitleTTL      time.Duration `env:"TTL_TITLE" default:"168h" help:"Base TTL for title search results."`
	ISBNTTL       time.Duration `env:"TTL_ISBN" default:"8760h" help:"Base TTL for ISBN lookups."`
	AuthorTTL     time.Duration `env:"TTL_AUTHOR" default:"168h" help:"Base TTL for author searches."`
	EnrichmentTTL time.Duration `env:"TTL_ENRICHMENT" default:"4320h" help:"Base TTL for enrichment records."`
}

func (c commonFlags) serverConfig() internal.ServerConfig {
	cfg := internal.ServerConfig{
		PostgresDSN:     c.PostgresDSN,
		EdgeCacheBytes:  c.EdgeCacheBytes,
		ProviderRPS:     c.ProviderRPS,
		ProviderTimeout: time.Duration(c.ProviderTimeoutMS) * time.Millisecond,
		TitleTTL:        c.TitleTTL,
		ISBNTTL:         c.ISBNTTL,
		AuthorTTL:       c.AuthorTTL,
		EnrichmentTTL:   c.EnrichmentTTL,
	}
	if c.GoogleBooksKey != "" {
		cfg.GoogleBooksKey = internal.StaticSecret(c.GoogleBooksKey)
	}
	if c.ISBNDBKey != "" {
		cfg.ISBNDBKey = internal.StaticSecret(c.ISBNDBKey)
	}
	return cfg
}

type serveCmd struct {
	commonFlags

	Port int `env:"PORT" default:"8788" help:"Port to serve traffic on."`

	VisionEndpoint string `env:"VISION_ENDPOINT" default:"https://openrouter.ai/api/v1/chat/completions" help:"Chat completions URL for shelf scanning."`
	VisionModel    string `env:"VISION_MODEL" default:"google/gemini-2.0-flash-001" help:"Vision model identifier."`
	VisionKey      string `env:"VISION_API_KEY" help:"Vision API key."`

	WindowSeconds int `env:"WINDOW_SECONDS" default:"60" help:"Rate limit window in seconds."`
	MaxRequests   int `env:"MAX_REQUESTS" default:"10" help:"Pipeline submissions allowed per client per window."`

	MaxBatchBooks  int   `env:"MAX_BATCH_BOOKS" default:"100" help:"Books allowed per enrichment batch."`
	MaxImageBytes  int64 `env:"MAX_IMAGE_BYTES" default:"5242880" help:"Largest accepted shelf photo."`
	MaxCSVBytes    int64 `env:"MAX_CSV_BYTES" default:"10485760" help:"Largest accepted CSV upload."`
	MaxBatchPhotos int   `env:"MAX_BATCH_PHOTOS" default:"5" help:"Photos allowed per batch scan."`
	Concurrency    int   `env:"CONCURRENCY" default:"10" help:"Per-job enrichment concurrency."`

	AuthTokenTTL      time.Duration `env:"AUTH_TOKEN_TTL" default:"2h" help:"Job auth token lifetime."`
	AuthRefreshWindow time.Duration `env:"AUTH_REFRESH_WINDOW" default:"30m" help:"Window before expiry in which tokens may be refreshed."`
	JobCleanupAfter   time.Duration `env:"JOB_CLEANUP_AFTER" default:"24h" help:"How long terminal job state is kept."`
}

func (s *serveCmd) Run(verbose bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if verbose {
		internal.SetLogLevel(log.DebugLevel)
	}

	cfg := s.serverConfig()
	cfg.VisionEndpoint = s.VisionEndpoint
	cfg.VisionModel = s.VisionModel
	if s.VisionKey != "" {
		cfg.VisionKey = internal.StaticSecret(s.VisionKey)
	}
	cfg.RateWindow = time.Duration(s.WindowSeconds) * time.Second
	cfg.RateLimit = s.MaxRequests
	cfg.Limits = internal.PipelineLimits{
		MaxBatchBooks:  s.MaxBatchBooks,
		MaxImageBytes:  s.MaxImageBytes,
		MaxCSVBytes:    s.MaxCSVBytes,
		MaxBatchPhotos: s.MaxBatchPhotos,
		Concurrency:    s.Concurrency,
	}
	cfg.Coordinator = internal.CoordinatorConfig{
		TokenTTL:      s.AuthTokenTTL,
		RefreshWindow: s.AuthRefreshWindow,
		CleanupAfter:  s.JobCleanupAfter,
	}

	server, err := internal.NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer server.Close()
	server.Janitors(ctx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           server.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		internal.Log(ctx).Info("serving", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	internal.Log(ctx).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type warmCmd struct {
	commonFlags

	RedisURL string `env:"REDIS_URL" default:"redis://localhost:6379" help:"Redis connection URL for the warming queue."`
	QueueKey string `env:"WARM_QUEUE_KEY" default:"warming:authors" help:"Redis list holding warming messages."`
}

func (w *warmCmd) Run(verbose bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if verbose {
		internal.SetLogLevel(log.DebugLevel)
	}

	server, err := internal.NewServer(ctx, w.serverConfig())
	if err != nil {
		return err
	}
	defer server.Close()

	queue, err := internal.NewRedisWarmQueue(w.RedisURL, w.QueueKey)
	if err != nil {
		return err
	}

	internal.Log(ctx).Info("consuming warming queue", "key", w.QueueKey)
	err = internal.NewWarmer(queue, server.Engine, server.Cache).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("bookstrack"),
		kong.Description("Book metadata aggregation service."),
		kong.UsageOnError(),
	)
	err := ctx.Run(c.Verbose)
	ctx.FatalIfErrorf(err)
}
