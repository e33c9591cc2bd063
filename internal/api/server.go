// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/orchestrator"
	"github.com/opentalon/conductor/internal/version"
	"github.com/opentalon/conductor/internal/workflow"
)

// Service is the part of *orchestrator.Orchestrator the API serves.
type Service interface {
	Submit(ctx context.Context, ev agent.Event) orchestrator.Envelope
	GetWorkflowStatus(ctx context.Context, id string) (*workflow.Instance, error)
	CheckHealth() map[string]agent.Status
}

// EventRequest is the body of POST /events.
type EventRequest struct {
	Type            string         `json:"type"`
	BusinessContext string         `json:"business_context"`
	CorrelationID   string         `json:"correlation_id"`
	Payload         map[string]any `json:"payload"`
}

type HealthResponse struct {
	Status  string                  `json:"status"`
	Agents  map[string]agent.Status `json:"agents"`
	Version version.Info            `json:"version"`
}

type Server struct {
	svc Service
}

// New returns the HTTP handler. Metrics are served from gatherer when it
// is not nil.
func New(svc Service, gatherer prometheus.Gatherer) *echo.Echo {
	s := &Server{svc: svc}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.POST("/events", s.SubmitEvent)
	e.GET("/workflows/:id", s.GetWorkflow)
	e.GET("/health", s.Health)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

// SubmitEvent routes one event and answers with its envelope
// (POST /events).
func (s *Server) SubmitEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ev := agent.NewEventWithID(req.CorrelationID, req.Type, req.BusinessContext, req.Payload)
	env := s.svc.Submit(c.Request().Context(), ev)
	return c.JSON(envelopeCode(env), env)
}

// GetWorkflow returns an instance snapshot (GET /workflows/:id).
func (s *Server) GetWorkflow(c echo.Context) error {
	inst, err := s.svc.GetWorkflowStatus(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "workflow instance not found")
	case err != nil:
		log.Printf("api: workflow %s: %v", c.Param("id"), err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, inst)
}

// Health reports every agent's status (GET /health). It answers 503 only
// when agents are registered and none of them is routable.
func (s *Server) Health(c echo.Context) error {
	agents := s.svc.CheckHealth()
	resp := HealthResponse{Status: "ok", Agents: agents, Version: version.Get()}
	routable := 0
	for _, st := range agents {
		if st != agent.StatusHealthy {
			resp.Status = "degraded"
		}
		if st.Routable() {
			routable++
		}
	}
	code := http.StatusOK
	if len(agents) > 0 && routable == 0 {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func envelopeCode(env orchestrator.Envelope) int {
	switch env.Status {
	case dispatch.StatusProcessed:
		return http.StatusOK
	case dispatch.StatusPartial:
		return http.StatusMultiStatus
	}
	return http.StatusUnprocessableEntity
}
