// Package dashboard serves the read-only analytics API and /metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"hodl_index/internal/bot"
	"hodl_index/internal/config"
	"hodl_index/internal/portfolio"
	"hodl_index/internal/scheduler"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Source is the bot state the dashboard reads.
type Source interface {
	Valuation(ctx context.Context) (portfolio.Valuation, error)
	Schedule() []scheduler.PlanStatus
	LastCycles() []bot.CycleReport
	ResolveTargets(ctx context.Context) (bot.Targets, error)
	History(ctx context.Context, since time.Time) ([]portfolio.HistoryPoint, error)
}

type Server struct {
	echo     *echo.Echo
	cfg      config.DashboardConfig
	src      Source
	fills    bot.FillLog
	currency string
	version  string
	started  time.Time
}

// NewServer builds the echo instance and registers the routes. gatherer
// backs /metrics; nil falls back to the default registry.
func NewServer(cfg config.DashboardConfig, src Source, fills bot.FillLog, gatherer prometheus.Gatherer, currency, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(Recover())
	e.Use(RequestLogging())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		src:      src,
		fills:    fills,
		currency: currency,
		version:  version,
		started:  time.Now(),
	}
	s.routes()

	h := promhttp.Handler()
	if gatherer != nil {
		h = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	e.GET("/metrics", echo.WrapHandler(h))
	return s
}

// Start listens in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	go func() {
		log.Info().Str("addr", addr).Msg("dashboard listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("dashboard server error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	log.Info().Msg("dashboard stopped")
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }
