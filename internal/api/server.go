package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/emanders/ecrnow/internal/eca"
	"github.com/emanders/ecrnow/internal/plan"
	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/pkg/schema"
)

// PlanRunner is the engine surface the API drives.
type PlanRunner interface {
	RunPlan(ctx context.Context, subjectID string, event schema.WorkflowEvent) (map[string]eca.Outcome, error)
}

// Server exposes the launch, notification and status endpoints.
type Server struct {
	echo     *echo.Echo
	store    store.Store
	registry *plan.Registry
	runner   PlanRunner
	logger   *slog.Logger
}

// NewServer builds the HTTP server and registers routes.
func NewServer(st store.Store, registry *plan.Registry, runner PlanRunner, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:     e,
		store:    st,
		registry: registry,
		runner:   runner,
		logger:   logger,
	}

	e.GET("/healthz", s.handleHealth)
	r4 := e.Group("/r4")
	r4.POST("/launch", s.handleLaunch)
	r4.POST("/subjects/:id/notify", s.handleNotify)
	r4.GET("/subjects/:id/status", s.handleStatus)

	return s
}

// Start begins serving on addr. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("api listening", slog.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type launchRequest struct {
	PatientID     string `json:"patient_id"`
	EncounterID   string `json:"encounter_id,omitempty"`
	FHIRServerURL string `json:"fhir_server_url,omitempty"`
}

type launchResponse struct {
	SubjectID string                 `json:"subject_id"`
	Plan      string                 `json:"plan"`
	Outcomes  map[string]eca.Outcome `json:"outcomes"`
}

// handleLaunch registers a new subject from an app-launch event and runs the
// plan once against it.
func (s *Server) handleLaunch(c echo.Context) error {
	var req launchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}

	now := time.Now().UTC()
	sub := &store.Subject{
		ID:            uuid.New().String(),
		PatientID:     req.PatientID,
		EncounterID:   req.EncounterID,
		FHIRServerURL: req.FHIRServerURL,
		PlanName:      s.registry.Plan().Name,
		StartDate:     now,
	}
	if err := s.store.CreateSubject(c.Request().Context(), sub); err != nil {
		return s.httpError(c, err)
	}

	outcomes, err := s.runner.RunPlan(c.Request().Context(), sub.ID, schema.EventSOFLaunch)
	if err != nil {
		s.logger.Error("plan run failed on launch",
			slog.String("subject_id", sub.ID),
			slog.String("error", err.Error()))
		return s.httpError(c, err)
	}

	return c.JSON(http.StatusCreated, launchResponse{
		SubjectID: sub.ID,
		Plan:      sub.PlanName,
		Outcomes:  outcomes,
	})
}

type notifyRequest struct {
	Event string `json:"event,omitempty"`
}

// handleNotify re-runs the plan for an existing subject on a fresh clinical
// event (subscription ping or manual poke).
func (s *Server) handleNotify(c echo.Context) error {
	subjectID := c.Param("id")

	var req notifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	event := schema.WorkflowEvent(req.Event).Normalize()

	outcomes, err := s.runner.RunPlan(c.Request().Context(), subjectID, event)
	if err != nil {
		return s.httpError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"event":      event,
		"outcomes":   outcomes,
	})
}

type statusResponse struct {
	SubjectID    string                 `json:"subject_id"`
	PatientID    string                 `json:"patient_id"`
	EncounterID  string                 `json:"encounter_id,omitempty"`
	Plan         string                 `json:"plan"`
	StartDate    time.Time              `json:"start_date"`
	TriggerMatch schema.TriggerMatch    `json:"trigger_match"`
	Actions      []*schema.ActionStatus `json:"actions"`
}

// handleStatus reports a subject's per-action execution state.
func (s *Server) handleStatus(c echo.Context) error {
	subjectID := c.Param("id")

	sub, err := s.store.GetSubject(c.Request().Context(), subjectID)
	if err != nil {
		return s.httpError(c, err)
	}
	state, err := sub.ExecutionState()
	if err != nil {
		return s.httpError(c, err)
	}

	resp := statusResponse{
		SubjectID:    sub.ID,
		PatientID:    sub.PatientID,
		EncounterID:  sub.EncounterID,
		Plan:         sub.PlanName,
		StartDate:    sub.StartDate,
		TriggerMatch: state.TriggerMatch,
	}
	// Report in plan order so the response is stable.
	for _, actionID := range s.registry.All() {
		resp.Actions = append(resp.Actions, state.Status(actionID))
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// httpError maps engine error codes onto HTTP statuses.
func (s *Server) httpError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		status = http.StatusNotFound
	case schema.IsCode(err, schema.ErrCodeInvalidInput), schema.IsCode(err, schema.ErrCodeValidation):
		status = http.StatusBadRequest
	case schema.IsCode(err, schema.ErrCodeConflict):
		status = http.StatusConflict
	}
	var ecr *schema.EcrError
	msg := err.Error()
	if errors.As(err, &ecr) {
		msg = ecr.Message
	}
	return echo.NewHTTPError(status, msg)
}
