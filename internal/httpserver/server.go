package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/onexay/project-vs/internal/config"
	"github.com/onexay/project-vs/internal/registry"
	"github.com/onexay/project-vs/internal/service"
	"github.com/onexay/project-vs/internal/storage"
	"github.com/onexay/project-vs/internal/templates"
)

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	addr     string
	echo     *echo.Echo
	store    *storage.ProjectStore
	registry registry.Registry
	logger   *zap.Logger
}

// NewServer wires the store, the registry backend and the routes.
func NewServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	store, err := storage.NewProjectStore(storage.Options{
		Root:      cfg.Storage.Root,
		Author:    cfg.Storage.Author,
		Templates: templates.NewCatalog(cfg.Templates.Dir, logger.Named("templates")),
		Logger:    logger.Named("store"),
		Metrics:   storage.NewMetrics(),
	})
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}

	reg, err := newRegistry(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("registry ready", zap.String("backend", string(cfg.Registry.Backend)))

	return &Server{
		addr:     cfg.APIAddr,
		echo:     newEcho(service.New(store, reg, logger.Named("api")), cfg.BodyLimit, logger),
		store:    store,
		registry: reg,
		logger:   logger,
	}, nil
}

func newRegistry(ctx context.Context, cfg config.Config) (registry.Registry, error) {
	opts := registry.Options{ShareTTL: cfg.Share.TTL}
	switch cfg.Registry.Backend {
	case config.RegistryBackendKeyDB:
		reg, err := registry.NewKeyDBRegistry(ctx, cfg.Registry.KeyDB, opts)
		if err != nil {
			return nil, fmt.Errorf("open keydb registry: %w", err)
		}
		return reg, nil
	default:
		return registry.NewMemoryRegistry(opts), nil
	}
}

// newEcho builds the router with middleware, health checks and API routes.
func newEcho(svc *service.Service, bodyLimit string, logger *zap.Logger) *echo.Echo {
	if bodyLimit == "" {
		bodyLimit = config.DefaultBodyLimit
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderContentType, service.HeaderSessionID, service.HeaderAuthorName},
		ExposeHeaders: []string{service.HeaderSessionID},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})
	e.Use(middleware.BodyLimit(bodyLimit))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	svc.Register(e)
	return e
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run starts the HTTP server and blocks until it is shut down.
func (s *Server) Run() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and releases
// the store and registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	err := s.echo.Shutdown(ctx)
	return errors.Join(err, s.store.Close(), s.registry.Close())
}
