package dashboard

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"hodl_index/internal/bot"
	"hodl_index/internal/models"
	"hodl_index/internal/scheduler"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

const (
	defaultFillLimit = 100
	maxFillLimit     = 1000
)

// Response wraps every JSON payload.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Response{Status: http.StatusOK, Message: http.StatusText(http.StatusOK), Data: data})
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, Response{Status: status, Message: msg})
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.health)
	api.GET("/portfolio", s.portfolio)
	api.GET("/fills", s.listFills)
	api.GET("/fills.csv", s.exportFills)
	api.GET("/history", s.history)
	api.GET("/schedule", s.schedule)
	api.GET("/weights", s.weights)
}

func (s *Server) health(c echo.Context) error {
	return ok(c, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) portfolio(c echo.Context) error {
	v, err := s.src.Valuation(c.Request().Context())
	if err != nil {
		if errors.Is(err, models.ErrDataUnavailable) {
			return fail(c, http.StatusServiceUnavailable, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, map[string]any{
		"currency":  s.currency,
		"valuation": v,
	})
}

// sinceParam parses the optional RFC3339 since query parameter.
func sinceParam(c echo.Context) (time.Time, error) {
	raw := c.QueryParam("since")
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) listFills(c echo.Context) error {
	since, err := sinceParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "since must be RFC3339")
	}
	limit := defaultFillLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fail(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxFillLimit)
	}
	fills, err := s.fills.Fills(since, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	if fills == nil {
		fills = []models.Fill{}
	}
	return ok(c, map[string]any{"rows": fills, "total": len(fills)})
}

func (s *Server) exportFills(c echo.Context) error {
	since, err := sinceParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "since must be RFC3339")
	}
	fills, err := s.fills.Fills(since, 0)
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="trades.csv"`)
	res.WriteHeader(http.StatusOK)
	return WriteParqetCSV(res, fills, s.currency)
}

func (s *Server) history(c echo.Context) error {
	since, err := sinceParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "since must be RFC3339")
	}
	points, err := s.src.History(c.Request().Context(), since)
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return ok(c, map[string]any{
		"currency": s.currency,
		"points":   points,
	})
}

type scheduleView struct {
	Plans  []scheduler.PlanStatus `json:"plans"`
	Cycles []bot.CycleReport      `json:"cycles"`
}

func (s *Server) schedule(c echo.Context) error {
	v := scheduleView{Plans: s.src.Schedule(), Cycles: s.src.LastCycles()}
	if v.Plans == nil {
		v.Plans = []scheduler.PlanStatus{}
	}
	if v.Cycles == nil {
		v.Cycles = []bot.CycleReport{}
	}
	return ok(c, v)
}

type weightView struct {
	Symbol string          `json:"symbol"`
	Weight float64         `json:"weight"`
	Price  decimal.Decimal `json:"price"`
	Priced bool            `json:"priced"`
}

func (s *Server) weights(c echo.Context) error {
	t, err := s.src.ResolveTargets(c.Request().Context())
	if err != nil {
		if errors.Is(err, models.ErrDataUnavailable) {
			return fail(c, http.StatusServiceUnavailable, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	rows := make([]weightView, 0, len(t.Weights))
	for sym, w := range t.Weights {
		p, priced := t.Prices[sym]
		rows = append(rows, weightView{Symbol: sym, Weight: w, Price: p, Priced: priced})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Weight != rows[j].Weight {
			return rows[i].Weight > rows[j].Weight
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	noPrice := make(map[string]string, len(t.NoPrice))
	for sym, err := range t.NoPrice {
		noPrice[sym] = err.Error()
	}
	dropped := t.Dropped
	if dropped == nil {
		dropped = []string{}
	}
	return ok(c, map[string]any{
		"weights":  rows,
		"dropped":  dropped,
		"no_price": noPrice,
	})
}
