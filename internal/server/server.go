// Package server is the composition root: it opens storage, builds the
// services and handlers, mounts the routes and runs the HTTP server with
// graceful shutdown.
//
// DEPENDENCY FLOW:
//
//	config.Config
//	  → sqlite.DB (accounts, default key-value store)
//	  → kvstore.Store (sqlite, memory, redis or s3)
//	  → Auth/Credits/Image services → service.Manager (one Session per client)
//	  → handlers → chi router
package server

import (
	"context"
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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/vm-image-generator/internal/auth"
	"github.com/sakif/vm-image-generator/internal/config"
	"github.com/sakif/vm-image-generator/internal/handler"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/metrics"
	"github.com/sakif/vm-image-generator/internal/middleware"
	sqliteRepo "github.com/sakif/vm-image-generator/internal/repository/sqlite"
	"github.com/sakif/vm-image-generator/internal/service"
)

// Server owns the router, the storage handles and the background workers.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	closers  []io.Closer
	metrics  *metrics.Metrics
	sessions *service.Manager
	limiter  *middleware.RateLimiter
}

// New opens storage, seeds the demo account and wires every route.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		db:      db,
		metrics: metrics.New(),
	}

	store, closer, err := openStore(cfg.Store, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	latency := service.Latency{}
	if cfg.Latency.Enabled {
		latency = service.DefaultLatency()
	}

	svc := &service.Services{
		Auth:    service.NewAuthService(db, auth.NewPasswordService(), latency, s.metrics, logger),
		Credits: service.NewCreditsService(latency, s.metrics, logger),
		Images:  service.NewImageService(service.NewPlaceholderGenerator(), latency, s.metrics, logger),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Auth.SeedDefaults(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("seeding demo account: %w", err)
	}

	s.sessions = service.NewManager(store, svc, latency, logger)
	s.limiter = middleware.NewRateLimiter(cfg.RateLimit.GeneratePerMinute, cfg.RateLimit.Burst, logger)

	if err := s.setupRoutes(); err != nil {
		s.close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// openStore picks the key-value backend for client sessions. The sqlite
// driver shares the account database.
func openStore(cfg config.StoreConfig, db *sqliteRepo.DB) (kvstore.Store, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return kvstore.NewMemory(), nil, nil
	case config.DriverSQLite:
		return db, nil, nil
	case config.DriverRedis:
		r, err := kvstore.NewRedis(kvstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	case config.DriverS3:
		st, err := kvstore.NewS3(kvstore.S3Config{
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			Bucket:       cfg.S3.Bucket,
			UsePathStyle: cfg.S3.UsePathStyle,
			Prefix:       cfg.S3.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// setupRoutes configures middleware and routes.
//
//	GET    /healthz                    → liveness
//	GET    /metrics                    → Prometheus
//	GET    /api/session                → session snapshot
//	POST   /api/auth/{login,signup,forgot-password,verify-otp,google,logout}
//	GET    /auth/google/{login,callback} (real OAuth only)
//	GET    /api/catalog                → form options and plans
//	GET    /api/credits                → balance + plans        [signed in]
//	POST   /api/credits/{purchase,redeem}                       [signed in]
//	POST   /api/images/generate        → rate limited           [signed in]
//	GET    /api/gallery, POST /api/gallery, DELETE /api/gallery/{id} [signed in]
//	PUT    /api/account/{email,password}                        [signed in]
//
// Order: request id and panic recovery first, then CORS so preflights
// never mint a session, then metrics, the client session cookie and the
// request log, which needs the session id.
func (s *Server) setupRoutes() error {
	r := s.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.metrics.Instrument)

	tokens, err := auth.NewTokenService(s.config.Session.Secret, s.config.Session.TTL)
	if err != nil {
		return fmt.Errorf("creating session token service: %w", err)
	}

	health := handler.NewHealthHandler(s.db, s.logger)
	r.Get("/healthz", health.HandleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	var google *auth.GoogleProvider
	if s.config.Google.Enabled() {
		google = auth.NewGoogleProvider(s.config.Google.ClientID, s.config.Google.ClientSecret, s.config.Google.CallbackURL)
	}

	authHandler := handler.NewAuthHandler(s.sessions, google, s.config.Google.RedirectURL, s.logger)
	creditsHandler := handler.NewCreditsHandler(s.sessions, s.logger)
	imageHandler := handler.NewImageHandler(s.sessions, s.logger)
	accountHandler := handler.NewAccountHandler(s.sessions, s.logger)
	requireUser := handler.RequireUser(s.sessions, s.logger)

	r.Group(func(r chi.Router) {
		r.Use(auth.Sessions(tokens, s.config.Session.SecureCookie, s.logger))
		r.Use(middleware.Logger(s.logger))

		if google != nil {
			r.Get("/auth/google/login", authHandler.HandleGoogleLogin)
			r.Get("/auth/google/callback", authHandler.HandleGoogleCallback)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/session", authHandler.HandleSession)
			r.Get("/catalog", creditsHandler.HandleCatalog)

			r.Route("/auth", func(r chi.Router) {
				r.Post("/login", authHandler.HandleLogin)
				r.Post("/signup", authHandler.HandleSignup)
				r.Post("/forgot-password", authHandler.HandleForgotPassword)
				r.Post("/verify-otp", authHandler.HandleVerifyOTP)
				r.Post("/logout", authHandler.HandleLogout)
				if google == nil {
					r.Post("/google", authHandler.HandleGoogleMock)
				}
			})

			r.Group(func(r chi.Router) {
				r.Use(requireUser)

				r.Get("/credits", creditsHandler.HandleGet)
				r.Post("/credits/purchase", creditsHandler.HandlePurchase)
				r.Post("/credits/redeem", creditsHandler.HandleRedeem)

				r.With(s.limiter.Handler).Post("/images/generate", imageHandler.HandleGenerate)

				r.Get("/gallery", imageHandler.HandleGallery)
				r.Post("/gallery", imageHandler.HandleSave)
				r.Delete("/gallery/{id}", imageHandler.HandleDelete)

				r.Put("/account/email", accountHandler.HandleChangeEmail)
				r.Put("/account/password", accountHandler.HandleChangePassword)
			})
		})
	})

	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until SIGINT or SIGTERM, then drains in-flight
// requests, stops the background workers and closes storage.
func (s *Server) Start() error {
	defer s.close()

	workers, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go s.sessions.RunSweeper(workers, s.config.Session.SweepInterval, s.config.Session.MaxIdle)
	go s.runLimiterCleanup(workers)

	srv := &http.Server{
		Addr:         s.config.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", s.config.Server.Addr),
			slog.String("store", s.config.Store.Driver),
			slog.String("database", s.config.Database.Path),
			slog.Bool("googleOAuth", s.config.Google.Enabled()),
			slog.Bool("latency", s.config.Latency.Enabled),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// runLimiterCleanup forgets rate-limit buckets of clients idle for the
// session idle window.
func (s *Server) runLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.Session.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Cleanup(s.config.Session.MaxIdle)
		}
	}
}

// close releases storage in reverse order of opening.
func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn("closing store", slog.String("error", err.Error()))
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing database", slog.String("error", err.Error()))
	}
}

// Close releases storage without running the server. Tests use it.
func (s *Server) Close() {
	s.close()
}
