package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/loancast/fundingpolicy/funding"
	"github.com/loancast/fundingpolicy/guards"
	"github.com/loancast/fundingpolicy/internal/config"
	"github.com/loancast/fundingpolicy/internal/logger"
	"github.com/loancast/fundingpolicy/internal/metrics"
	"github.com/loancast/fundingpolicy/lending"
	"github.com/loancast/fundingpolicy/lifecycle"
	"github.com/loancast/fundingpolicy/ratelimit"
)

// Stores are the backends a Server runs on
type Stores struct {
	Lending lending.Store
	Guards  guards.GuardStore
	Limiter ratelimit.Limiter
	// DB is pinged by the health check; nil for in-memory stores
	DB *sql.DB
}

type Server struct {
	cfg     *config.Config
	db      *sql.DB
	store   lending.Store
	guards  *guards.Manager
	funding *funding.Service
	limiter ratelimit.Limiter
	sweeper *lifecycle.Sweeper
	router  *chi.Mux
}

// NewServer connects to Postgres and Redis when configured and falls back
// to in-memory stores otherwise
func NewServer(cfg *config.Config) (*Server, error) {
	var st Stores

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		st.DB = db
		st.Lending = lending.NewPostgresStore(db)
		st.Guards = guards.NewPostgresGuardStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		st.Lending = lending.NewMemoryStore()
		st.Guards = guards.NewInMemoryGuardStore()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		st.Limiter = ratelimit.NewRedis(redis.NewClient(opts), cfg.RateLimit.Window)
	} else {
		st.Limiter = ratelimit.NewInMemory(cfg.RateLimit.Window)
	}

	return NewServerWithStores(cfg, st)
}

// NewServerWithStores builds a server over the given backends
func NewServerWithStores(cfg *config.Config, st Stores) (*Server, error) {
	gm, err := guards.NewManager(st.Guards)
	if err != nil {
		return nil, err
	}

	store := lending.NewCachingStore(st.Lending, lending.NewInMemoryLenderCache(lending.CacheConfig{TTL: cfg.LenderCacheTTL}))
	limiter := st.Limiter
	if limiter == nil {
		limiter = ratelimit.NewInMemory(cfg.RateLimit.Window)
	}

	sweeper := lifecycle.NewSweeper(store)
	sweeper.Interval = cfg.Lifecycle.Interval
	sweeper.Windows = lifecycle.Windows{Grace: cfg.Lifecycle.Grace, DefaultAfter: cfg.Lifecycle.DefaultAfter}

	metrics.MustRegister()

	s := &Server{
		cfg:     cfg,
		db:      st.DB,
		store:   store,
		guards:  gm,
		funding: funding.NewService(store, funding.WithGuards(gm), funding.WithCaps(cfg.Fairness)),
		limiter: limiter,
		sweeper: sweeper,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Stateless evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/lenders", func(r chi.Router) {
		r.Post("/", s.handleCreateLender)

		r.Route("/{lenderId}", func(r chi.Router) {
			r.Get("/", s.handleGetLender)
			r.Put("/strategy", s.handleUpdateStrategy)

			r.Post("/guards", s.handleCreateGuard)
			r.Get("/guards", s.handleListGuards)
			r.Put("/guards/{guardId}", s.handleUpdateGuard)
			r.Delete("/guards/{guardId}", s.handleDeleteGuard)
		})
	})

	r.Route("/api/v1/loans", func(r chi.Router) {
		r.Post("/", s.handleCreateLoan)

		r.Route("/{loanId}", func(r chi.Router) {
			r.Get("/", s.handleGetLoan)
			r.Post("/evaluate", s.handleEvaluateLoan)
			r.Post("/fund", s.handleFundLoan)
			r.Post("/repay", s.handleRepayLoan)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the database connection, if any
func (s *Server) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Setup(cfg.LoggerOptions()); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logger.Shutdown(ctx)
	}()

	server, err := NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return server.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		logger.Fatal("server exited", "error", err)
	}
}
