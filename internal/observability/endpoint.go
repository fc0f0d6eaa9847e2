package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/iotalerts/internal/datastore"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
	metricspkg "github.com/tphakala/iotalerts/internal/observability/metrics"
	"github.com/tphakala/iotalerts/internal/session"
)

// StatusSource reports the session status. *session.Coordinator implements it.
type StatusSource interface {
	Status(ctx context.Context) (session.Status, error)
}

// Endpoint serves metrics, health and a read-only status API.
type Endpoint struct {
	echo          *echo.Echo
	listenAddress string
	metrics       *Metrics
	status        StatusSource
	alerts        datastore.AlertStore
	version       string
	log           logger.Logger
}

// NewEndpoint builds the HTTP endpoint. metrics may be nil, in which case
// /metrics is not served.
func NewEndpoint(listen, version string, metrics *Metrics, status StatusSource, alerts datastore.AlertStore) *Endpoint {
	e := &Endpoint{
		echo:          echo.New(),
		listenAddress: listen,
		metrics:       metrics,
		status:        status,
		alerts:        alerts,
		version:       version,
		log:           logger.Global().Module("observability"),
	}
	e.echo.HideBanner = true
	e.echo.HidePort = true
	e.echo.Use(middleware.Recover())
	e.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			e.log.Debug("http request",
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status))
			return nil
		},
	}))
	e.initRoutes()
	return e
}

func (e *Endpoint) initRoutes() {
	if e.metrics != nil {
		e.echo.GET("/metrics", echo.WrapHandler(e.metrics.Handler()))
	}
	e.echo.GET("/health", e.HealthCheck)

	api := e.echo.Group("/api/v1")
	api.GET("/status", e.GetStatus)
	api.GET("/alerts", e.GetAlerts)
}

// Handler exposes the router, mainly for tests.
func (e *Endpoint) Handler() http.Handler {
	return e.echo
}

// Run serves until ctx is done, then shuts down gracefully.
func (e *Endpoint) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("listen", e.listenAddress).
			Build()
	}
	e.echo.Listener = ln
	e.log.Info("telemetry endpoint starting", logger.String("address", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- e.echo.Start("")
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	e.log.Info("stopping telemetry endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.echo.Shutdown(shutdownCtx); err != nil {
		e.log.Error("telemetry endpoint shutdown error", logger.Error(err))
		return err
	}
	<-serveErr
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck reports whether the alert store answers.
func (e *Endpoint) HealthCheck(c echo.Context) error {
	response := map[string]any{
		"status":    "healthy",
		"version":   e.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  "connected",
	}
	code := http.StatusOK

	if p, ok := e.alerts.(pinger); ok {
		if err := p.Ping(c.Request().Context()); err != nil {
			response["status"] = "unhealthy"
			response["database"] = "disconnected"
			response["database_error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if e.status != nil {
		if st, err := e.status.Status(c.Request().Context()); err == nil {
			response["mqtt"] = st.State
		}
	}
	return c.JSON(code, response)
}

// GetStatus returns the session phase, broker and topics.
func (e *Endpoint) GetStatus(c echo.Context) error {
	if e.status == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "status not available")
	}
	st, err := e.status.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read status").SetInternal(err)
	}
	return c.JSON(http.StatusOK, st)
}

// GetAlerts returns the stored alerts, optionally filtered by ?topic=.
func (e *Endpoint) GetAlerts(c echo.Context) error {
	if e.alerts == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "alert store not available")
	}
	list, err := e.alerts.AllAlerts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read alerts").SetInternal(err)
	}

	if topic := c.QueryParam("topic"); topic != "" {
		filtered := make([]entities.Alert, 0, len(list))
		for _, a := range list {
			if a.Topic == topic {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []entities.Alert{}
	}
	return c.JSON(http.StatusOK, list)
}
