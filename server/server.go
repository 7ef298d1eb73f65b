// Package server wires the channel subsystem together and serves its
// HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omnihub/omnihub/internal/profile"
	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/plugin/channels/media"
	"github.com/omnihub/omnihub/plugin/channels/meta"
	"github.com/omnihub/omnihub/plugin/channels/mock"
	"github.com/omnihub/omnihub/plugin/channels/tiktok"
	"github.com/omnihub/omnihub/plugin/channels/whatsapp"
	"github.com/omnihub/omnihub/plugin/credstore"
	"github.com/omnihub/omnihub/plugin/refresh"
	apiv1 "github.com/omnihub/omnihub/server/router/api/v1"
	"github.com/omnihub/omnihub/store"
)

// Server hosts the HTTP API and the background refresh machinery.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	credStore  *credstore.Store
	registry   *channels.Registry
	queue      *refresh.Queue
	worker     *refresh.Worker
	sweeper    *refresh.Sweeper
	workerStop context.CancelFunc
}

// NewServer assembles the channel subsystem: credential store, adapter
// registry, refresh pipeline, and the echo router.
func NewServer(_ context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	credStore := credstore.New(st, credstore.AllowAll{}, p.MasterKey)

	// No blob storage wired yet: media URLs pass through unchanged.
	mapper := media.NewMapper(media.Config{}, nil)

	registry := channels.NewRegistry()
	registry.Register(meta.NewInstagramAdapter(credStore, mapper))
	registry.Register(meta.NewMessengerAdapter(credStore, mapper))
	registry.Register(whatsapp.NewAdapter(credStore, mapper))
	registry.Register(tiktok.NewAdapter(credStore, mapper))
	if p.IsDev() {
		registry.Register(mock.NewAdapter())
	}

	engine := refresh.NewEngine(refresh.AppConfig{
		MetaAppID:          p.MetaAppID,
		MetaAppSecret:      p.MetaAppSecret,
		TikTokClientKey:    p.TikTokClientKey,
		TikTokClientSecret: p.TikTokClientSecret,
	})
	queue := refresh.NewQueue(0)
	worker := refresh.NewWorker(queue, engine, credStore, st, p.RefreshWorkers, p.RefreshMaxAttempts)
	threshold := time.Duration(p.RefreshThresholdMinutes) * time.Minute
	sweeper := refresh.NewSweeper(st, credStore, worker, threshold)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.CORS())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := apiv1.NewAPIV1Service(p, st, credStore, registry, worker, nil)
	api.Register(e)

	return &Server{
		Profile:    p,
		Store:      st,
		echoServer: e,
		credStore:  credStore,
		registry:   registry,
		queue:      queue,
		worker:     worker,
		sweeper:    sweeper,
	}, nil
}

// Start launches the refresh pipeline and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	s.workerStop = cancel
	go s.worker.Run(workerCtx)

	if err := s.sweeper.Start(workerCtx, s.Profile.SweepSchedule); err != nil {
		cancel()
		return errors.Wrap(err, "failed to start refresh sweeper")
	}

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Shutdown drains everything in dependency order: stop taking HTTP
// traffic, stop scheduling sweeps, stop the workers, close the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}

	s.sweeper.Stop()
	s.queue.Close()
	if s.workerStop != nil {
		s.workerStop()
	}

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}

	slog.Info("omnihub stopped properly")
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				slog.Warn("request failed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"error", v.Error,
				)
				return nil
			}
			slog.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			)
			return nil
		},
	})
}
