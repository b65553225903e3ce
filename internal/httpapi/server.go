// Package httpapi exposes remedyd's HTTP surface: run submission,
// run status, event streaming over SSE, question answers, health and
// metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/question"
)

// sseHeartbeat keeps idle SSE connections alive through proxies.
const sseHeartbeat = 30 * time.Second

// Server provides the HTTP endpoints for remedyd.
type Server struct {
	echo      *echo.Echo
	cfg       config.ServerConfig
	runs      *RunManager
	questions *question.Store
	events    *event.Broadcaster
	logger    *zap.Logger
}

// NewServer builds the server and registers its routes.
func NewServer(cfg config.ServerConfig, runs *RunManager, questions *question.Store, events *event.Broadcaster, logger *zap.Logger) (*Server, error) {
	if runs == nil || questions == nil || events == nil {
		return nil, fmt.Errorf("run manager, question store and broadcaster are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		cfg:       cfg,
		runs:      runs,
		questions: questions,
		events:    events,
		logger:    logger,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/runs", s.handleSubmitRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/events", s.handleRunEvents)
	v1.GET("/questions", s.handleListQuestions)
	v1.POST("/questions/:id/answer", s.handleAnswerQuestion)
}

// SubmitRunRequest is the body of POST /v1/runs.
type SubmitRunRequest struct {
	ItemIDs    []string         `json:"item_ids"`
	WorkingDir string           `json:"working_dir"`
	Options    pipeline.Options `json:"options"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmitRun(c echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.ItemIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "item_ids is required")
	}
	if req.WorkingDir == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "working_dir is required")
	}

	handle := s.runs.Submit(pipeline.Request{
		ItemIDs:    req.ItemIDs,
		WorkingDir: req.WorkingDir,
		Options:    req.Options,
	})
	s.logger.Info("run submitted",
		zap.String("run_id", handle.ID),
		zap.Int("items", len(req.ItemIDs)))
	return c.JSON(http.StatusAccepted, handle)
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runs.List())
}

func (s *Server) handleGetRun(c echo.Context) error {
	handle, err := s.runs.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, handle)
}

// handleRunEvents streams a run's events over SSE until the run
// finishes or the client disconnects.
func (s *Server) handleRunEvents(c echo.Context) error {
	runID := c.Param("id")
	if _, err := s.runs.Get(runID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	ch, cancel := s.events.Subscribe(runID)
	defer cancel()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Response(), "event: %s\n", ev.Type)
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()

			if ev.Type == event.TypeRunCompleted || ev.Type == event.TypeRunFailed {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// AnswerRequest is the body of POST /v1/questions/:id/answer.
type AnswerRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleListQuestions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.questions.Pending())
}

// handleAnswerQuestion resolves a pending question. Answering an
// unknown or already resolved question succeeds; duplicate external
// submissions are expected.
func (s *Server) handleAnswerQuestion(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s.questions.Answer(c.Param("id"), req.Value)
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
