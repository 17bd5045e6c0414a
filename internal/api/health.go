// ABOUTME: Health check handlers: plain chi endpoints for orchestrators and a huma operation.
// ABOUTME: Any unhealthy scheduler or an unreachable datastore yields 503.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/worker"
)

// ── Response types ────────────────────────────────────────────────────────────

// CurrentJob describes the job a scheduler is executing.
type CurrentJob struct {
	JobToken       string    `json:"job_token"`
	StartedAt      time.Time `json:"started_at"`
	DurationMillis int64     `json:"duration_millis"`
}

// CategoryHealth is the health of one scheduler.
type CategoryHealth struct {
	Category                job.Category `json:"category"`
	IsHealthy               bool         `json:"is_healthy"`
	ConsecutiveFailureCount uint64       `json:"consecutive_failure_count"`
	ConsecutiveSuccessCount uint64       `json:"consecutive_success_count"`
	TotalFailureCount       uint64       `json:"total_failure_count"`
	TotalSuccessCount       uint64       `json:"total_success_count"`
	TotalSuccessRatio       float64      `json:"total_success_ratio"`
	TotalFailureRatio       float64      `json:"total_failure_ratio"`
	IsCurrentlyRunningJob   bool         `json:"is_currently_running_job"`
	CurrentJob              *CurrentJob  `json:"current_job,omitempty"`
}

// HealthBody is the aggregate health of the process.
type HealthBody struct {
	Status     string           `json:"status" enum:"ok,unhealthy,degraded"`
	DB         string           `json:"db,omitempty"`
	Schedulers []CategoryHealth `json:"schedulers"`
}

func toCategoryHealth(c job.Category, r worker.Report) CategoryHealth {
	h := CategoryHealth{
		Category:                c,
		IsHealthy:               r.IsHealthy,
		ConsecutiveFailureCount: r.ConsecutiveFailureCount,
		ConsecutiveSuccessCount: r.ConsecutiveSuccessCount,
		TotalFailureCount:       r.TotalFailureCount,
		TotalSuccessCount:       r.TotalSuccessCount,
		TotalSuccessRatio:       r.SuccessRatio,
		TotalFailureRatio:       r.FailureRatio,
		IsCurrentlyRunningJob:   r.CurrentJob != nil,
	}
	if r.CurrentJob != nil {
		h.CurrentJob = &CurrentJob{
			JobToken:       r.CurrentJob.Token,
			StartedAt:      r.CurrentJob.StartedAt.UTC(),
			DurationMillis: r.DurationMillis,
		}
	}
	return h
}

// aggregate builds the process health and the status code it maps to.
func (srv *Server) aggregate(ctx context.Context) (HealthBody, int) {
	reports := srv.health.Reports()
	body := HealthBody{Status: "ok", Schedulers: make([]CategoryHealth, 0, len(reports))}
	code := http.StatusOK
	for c, r := range reports {
		body.Schedulers = append(body.Schedulers, toCategoryHealth(c, r))
		if !r.IsHealthy {
			body.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	sort.Slice(body.Schedulers, func(i, j int) bool {
		return body.Schedulers[i].Category < body.Schedulers[j].Category
	})

	if srv.db != nil {
		if err := srv.db.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "healthz: db ping failed", "error", err)
			body.DB = "unavailable"
			if body.Status == "ok" {
				body.Status = "degraded"
			}
			code = http.StatusServiceUnavailable
		} else {
			body.DB = "ok"
		}
	}
	return body, code
}

// healthzHandler returns 200 when every scheduler is healthy and the
// datastore answers, 503 otherwise.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	body, code := srv.aggregate(r.Context())
	writeJSON(w, r, code, body)
}

// categoryHealthzHandler reports one scheduler: 200 healthy, 503 unhealthy,
// 404 when this process does not run the category.
func (srv *Server) categoryHealthzHandler(w http.ResponseWriter, r *http.Request) {
	c, err := job.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	report, ok := srv.health.Reports()[c]
	if !ok {
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "category not served by this worker"})
		return
	}
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, toCategoryHealth(c, report))
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
	}
}

// ── GET /api/v1/health ────────────────────────────────────────────────────────

// GetHealthOutput is the response for GET /health.
type GetHealthOutput struct {
	Status int
	Body   *HealthBody
}

func registerHealthRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Get scheduler health",
		Description: "Returns counters, ratios and the in-flight job of every scheduler in this worker. Responds 503 when any scheduler is unhealthy.",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, _ *struct{}) (*GetHealthOutput, error) {
		body, code := srv.aggregate(ctx)
		return &GetHealthOutput{Status: code, Body: &body}, nil
	})
}
