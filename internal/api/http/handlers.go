package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/optimizer"
	"github.com/saltfish/wfsearch/internal/planner"
	"github.com/saltfish/wfsearch/internal/search"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// RunService manages walk-forward runs.
type RunService interface {
	Start(ctx context.Context, spec *optimizer.RunSpec) (*domain.Run, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	List(ctx context.Context, limit int) ([]*domain.Run, error)
	Stop(ctx context.Context, id uuid.UUID) error
	Report(ctx context.Context, id uuid.UUID) (*optimizer.RunReport, error)
	ActiveRuns() int
}

// Handler provides REST API handlers.
type Handler struct {
	runs   RunService
	logger *zap.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(runs RunService, logger *zap.Logger) *Handler {
	return &Handler{
		runs:   runs,
		logger: logger,
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConfiguration), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// runID parses the {id} URL parameter.
func runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

// StartRunResponse is the response for starting a run.
type StartRunResponse struct {
	Run  *domain.Run `json:"run"`
	Jobs int         `json:"in_sample_jobs"`
}

// HandleStartRun starts a run from a JSON or YAML run spec.
func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "failed to read request body")
		return
	}

	// JSON is valid YAML, so one decoder serves both content types
	spec, err := optimizer.ParseRunSpec(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid run spec")
		return
	}

	run, err := h.runs.Start(r.Context(), spec)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to start run", zap.Error(err))
		}
		writeError(w, status, err, "failed to start run")
		return
	}

	writeJSON(w, http.StatusCreated, StartRunResponse{Run: run, Jobs: spec.Jobs()})
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs []*domain.Run `json:"runs"`
}

// HandleListRuns lists the most recent runs.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 500 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 500"), "invalid limit")
			return
		}
		limit = v
	}

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}

	writeJSON(w, http.StatusOK, ListRunsResponse{Runs: runs})
}

// HandleGetRun returns the report of a run.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	report, err := h.runs.Report(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err, "failed to get run")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleStopRun stops a run.
func (h *Handler) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	if err := h.runs.Stop(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err, "failed to stop run")
		return
	}

	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// PlanRequest asks for the windows of a walk-forward split without starting a run.
// Parameters are optional; when given the response includes the job count.
type PlanRequest struct {
	Settings   domain.WalkforwardSettings `json:"settings"`
	Parameters search.Space               `json:"parameters,omitempty"`
}

// PlanResponse lists the planned windows.
type PlanResponse struct {
	Windows      []planner.Window `json:"windows"`
	GridSize     int              `json:"grid_size,omitempty"`
	InSampleJobs int              `json:"in_sample_jobs,omitempty"`
}

// HandlePlan returns the windows a run with the given settings would use.
func (h *Handler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	windows, err := planner.Plan(req.Settings)
	if err != nil {
		writeError(w, statusFor(err), err, "invalid walk-forward settings")
		return
	}

	resp := PlanResponse{Windows: windows}
	if len(req.Parameters) > 0 {
		if err := req.Parameters.Validate(); err != nil {
			writeError(w, statusFor(err), err, "invalid parameter space")
			return
		}
		resp.GridSize = search.Count(req.Parameters)
		resp.InSampleJobs = resp.GridSize * len(windows)
	}

	writeJSON(w, http.StatusOK, resp)
}
