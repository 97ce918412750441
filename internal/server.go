package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerConfig carries everything needed to assemble a running service.
// Zero values fall back to the documented defaults.
type ServerConfig struct {
	// PostgresDSN enables the durable cache tier and job store. Empty
	// means in-memory only, which is fine for development but loses all
	// state on restart.
	PostgresDSN string

	// EdgeCacheBytes bounds the in-process cache tier.
	EdgeCacheBytes int64 `validate:"gte=0"`

	GoogleBooksKey Secret
	ISBNDBKey      Secret

	VisionEndpoint string `validate:"omitempty,url"`
	VisionModel    string
	VisionKey      Secret

	ProviderRPS     float64 `validate:"gte=0"`
	ProviderTimeout time.Duration

	// Base TTLs per lookup kind. Zero keeps the defaults.
	TitleTTL      time.Duration
	ISBNTTL       time.Duration
	AuthorTTL     time.Duration
	EnrichmentTTL time.Duration

	RateWindow time.Duration
	RateLimit  int `validate:"gte=0"`

	Limits      PipelineLimits
	Coordinator CoordinatorConfig
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.EdgeCacheBytes == 0 {
		c.EdgeCacheBytes = 128 << 20
	}
	if c.ProviderRPS == 0 {
		c.ProviderRPS = 5
	}
	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = 10 * time.Second
	}
	if c.RateWindow == 0 {
		c.RateWindow = time.Minute
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	return c
}

// Server is the assembled service: the HTTP surface plus the shared
// subsystems a sidecar (like the warming consumer) may want to reuse.
type Server struct {
	Handler  http.Handler
	Engine   *Engine
	Cache    *UnifiedCache
	Registry *Registry
	Metrics  *prometheus.Registry

	limiter *RateLimiter
	db      *pgxpool.Pool
	cfg     ServerConfig
}

// NewServer wires the cache tiers, provider chain, enrichment engine, job
// registry, pipelines and router into one service.
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	promReg := NewMetrics()
	cacheM := newCacheMetrics(promReg)
	providerM := newProviderMetrics(promReg)
	limiterM := newLimiterMetrics(promReg)

	edge, err := newEdgeCache(cfg.EdgeCacheBytes)
	if err != nil {
		return nil, err
	}

	var (
		db      *pgxpool.Pool
		durable cache[[]byte]
		store   JobStore
	)
	if cfg.PostgresDSN != "" {
		db, err = newDB(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		durable, err = newPGCache(ctx, db)
		if err != nil {
			return nil, err
		}
		store, err = NewPGJobStore(ctx, db)
		if err != nil {
			return nil, err
		}
		registerDBMetrics(db, promReg)
	} else {
		Log(ctx).Warn("no postgres DSN configured, caches and jobs are in-memory only")
		durable = newMemoryCache()
		store = NewMemoryJobStore()
	}

	unified := NewUnifiedCache(newLayeredCache(edge, durable, cacheM), cacheM)

	providers := make([]Provider, 0, 3)
	if cfg.GoogleBooksKey != nil {
		gb, err := NewGoogleBooks(ctx, cfg.GoogleBooksKey, cfg.ProviderRPS, cfg.ProviderTimeout, providerM)
		if err != nil {
			return nil, err
		}
		providers = append(providers, gb)
	}
	providers = append(providers, NewOpenLibrary(cfg.ProviderRPS, cfg.ProviderTimeout, providerM))
	if cfg.ISBNDBKey != nil {
		idb, err := NewISBNDB(ctx, cfg.ISBNDBKey, cfg.ProviderRPS, cfg.ProviderTimeout, providerM)
		if err != nil {
			return nil, err
		}
		providers = append(providers, idb)
	}

	engine := NewEngine(unified, providers...)
	if cfg.TitleTTL > 0 {
		engine.titleTTL = cfg.TitleTTL
	}
	if cfg.ISBNTTL > 0 {
		engine.isbnTTL = cfg.ISBNTTL
	}
	if cfg.AuthorTTL > 0 {
		engine.authorTTL = cfg.AuthorTTL
	}
	if cfg.EnrichmentTTL > 0 {
		engine.enrichmentTTL = cfg.EnrichmentTTL
	}

	registry := NewRegistry(store, cfg.Coordinator)
	limiter := NewRateLimiter(cfg.RateWindow, cfg.RateLimit, limiterM)

	visionKey := cfg.VisionKey
	if visionKey == nil {
		visionKey = StaticSecret("")
	}
	vision, err := NewChatVision(ctx, cfg.VisionEndpoint, cfg.VisionModel, visionKey, cfg.ProviderTimeout)
	if err != nil {
		return nil, err
	}
	pipelines := NewPipelines(engine, registry, vision, cfg.Limits)

	return &Server{
		Handler:  NewHandler(engine, pipelines, registry, limiter, promReg, cfg.Limits),
		Engine:   engine,
		Cache:    unified,
		Registry: registry,
		Metrics:  promReg,
		limiter:  limiter,
		db:       db,
		cfg:      cfg,
	}, nil
}

// Janitors starts the background sweepers. They stop when ctx is canceled.
func (s *Server) Janitors(ctx context.Context) {
	go s.limiter.Janitor(ctx, time.Minute)
	go s.Registry.Janitor(ctx, time.Minute, s.cfg.Coordinator.withDefaults().CleanupAfter)
}

// Close releases pooled resources. The HTTP server must be shut down first.
func (s *Server) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
