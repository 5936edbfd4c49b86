package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/logging"
	"dataset-job-orchestrator/internal/manage"
	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/ratelimit"
	"dataset-job-orchestrator/internal/store"
	"dataset-job-orchestrator/internal/telemetry"
)

const maxBodyBytes = 32 << 20

// Server wires HTTP handlers for producers and operators.
type Server struct {
	cfg      config.Config
	manager  *manage.Manager
	enqueuer models.Enqueuer
	limiter  ratelimit.Limiter
	errs     logging.ErrorHandler
	log      logrus.FieldLogger
}

// New constructs the API server. A nil limiter admits every request.
func New(cfg config.Config, st store.JobStore, limiter ratelimit.Limiter, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manage.New(st, log),
		enqueuer: telemetry.Metered{Enqueuer: st},
		limiter:  limiter,
		errs:     logging.ErrorHandler{Log: log, Debug: cfg.Debug},
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleDefer)
	r.Get("/status", s.handleStatus)
	r.Get("/status/{dataset}", s.handleDatasetStatus)
	r.Post("/cancel", s.handleCancel)
	r.Post("/retry", s.handleRetry)
	return r
}

type deferRequest struct {
	Jobs     []json.RawMessage `json:"jobs"`
	Priority int               `json:"priority"`
	RunAt    *time.Time        `json:"run_at"`
}

type deferResponse struct {
	Deferred int `json:"deferred"`
}

// handleDefer validates every record before deferring any, so a bad record
// rejects the whole request.
func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	var req deferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Jobs) == 0 {
		http.Error(w, "jobs is required", http.StatusBadRequest)
		return
	}
	if req.Priority < 0 || req.Priority > models.PriorityMax {
		http.Error(w, fmt.Sprintf("priority must be between 0 and %d", models.PriorityMax), http.StatusBadRequest)
		return
	}

	jobs := make([]models.AnyJob, 0, len(req.Jobs))
	cost := map[string]int{}
	for i, raw := range req.Jobs {
		job, err := models.Unpack(raw)
		if err != nil {
			_ = s.errs.Handle(err, raw)
			http.Error(w, fmt.Sprintf("job %d: %v", i, err), http.StatusBadRequest)
			return
		}
		jobs = append(jobs, job)
		if dj, ok := job.(*models.DatasetJob); ok {
			n, err := dj.EntityCount()
			if err != nil {
				n = 1
			}
			cost[dj.Dataset] += max(n, 1)
		}
	}

	if s.limiter != nil {
		rejected, err := s.limiter.TakeAll(r.Context(), cost)
		switch {
		case errors.Is(err, ratelimit.ErrOverCapacity):
			telemetry.RateLimitRejects.Inc()
			http.Error(w, fmt.Sprintf("dataset %s exceeds per-request budget: %v", rejected, err), http.StatusRequestEntityTooLarge)
			return
		case err != nil:
			s.log.WithError(err).Error("rate limit check failed")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		case rejected != "":
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited: "+rejected, http.StatusTooManyRequests)
			return
		}
	}

	opts := []models.DeferOption{models.WithPriority(req.Priority)}
	if req.RunAt != nil {
		opts = append(opts, models.WithRunAt(*req.RunAt))
	}
	deferred := 0
	for _, job := range jobs {
		if err := models.Defer(r.Context(), s.enqueuer, job, opts...); err != nil {
			s.log.WithError(err).WithField("deferred", deferred).Error("defer failed")
			http.Error(w, "defer failed", http.StatusInternalServerError)
			return
		}
		deferred++
	}
	writeJSON(w, http.StatusAccepted, deferResponse{Deferred: deferred})
}

type statusResponse struct {
	Datasets []manage.DatasetStatus `json:"datasets"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var dataset *string
	if v := q.Get("dataset"); v != "" {
		dataset = &v
	}
	all, _ := strconv.ParseBool(q.Get("all"))
	datasets, err := s.manager.GetStatus(r.Context(), dataset, !all)
	if err != nil {
		s.log.WithError(err).Error("status failed")
		http.Error(w, "status failed", http.StatusInternalServerError)
		return
	}
	if datasets == nil {
		datasets = []manage.DatasetStatus{}
	}
	writeJSON(w, http.StatusOK, statusResponse{Datasets: datasets})
}

func (s *Server) handleDatasetStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "dataset")
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	ds, err := s.manager.GetDatasetStatus(r.Context(), name, !all)
	if errors.Is(err, models.ErrDatasetNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("status failed")
		http.Error(w, "status failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func decodeFilter(w http.ResponseWriter, r *http.Request) (store.Filter, bool) {
	var f store.Filter
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&f); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return f, false
		}
	}
	if f.Status != nil && !models.ValidStatus(*f.Status) {
		http.Error(w, "unknown status "+*f.Status, http.StatusBadRequest)
		return f, false
	}
	return f, true
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	f, ok := decodeFilter(w, r)
	if !ok {
		return
	}
	res, err := s.manager.CancelJobs(r.Context(), f)
	if err != nil {
		s.log.WithError(err).Error("cancel failed")
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	f, ok := decodeFilter(w, r)
	if !ok {
		return
	}
	n, err := s.manager.RetryJobs(r.Context(), f)
	if err != nil {
		s.log.WithError(err).Error("retry failed")
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
