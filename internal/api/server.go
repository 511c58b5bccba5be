// Package api exposes the job submission and project HTTP surface.
// Requests are validated synchronously, including the storage-root path
// checks, before any job row is created; everything after submission is
// reported asynchronously through job status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"memorialtube/internal/config"
	"memorialtube/internal/faults"
	"memorialtube/internal/models"
	"memorialtube/internal/pathguard"
	"memorialtube/internal/store"
	"memorialtube/internal/telemetry"
)

// JobStore is the slice of the persistence layer the API needs for jobs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string) error
}

// ProjectStore is the slice of the persistence layer the API needs for
// projects and their assets.
type ProjectStore interface {
	CreateProject(ctx context.Context, p models.Project) (models.Project, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	AddAsset(ctx context.Context, a models.Asset) (models.Asset, error)
	ListAssets(ctx context.Context, projectID string) ([]models.Asset, error)
	StartRun(ctx context.Context, projectID, jobID string) error
}

// Enqueuer pushes a created job onto the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Limiter throttles submissions per client.
type Limiter interface {
	Allow(ctx context.Context, clientKey string) (bool, float64, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	jobs     JobStore
	projects ProjectStore
	queue    Enqueuer
	limiter  Limiter
	guard    *pathguard.Guard
}

// New constructs the API server.
func New(cfg config.Config, jobs JobStore, projects ProjectStore, q Enqueuer, limiter Limiter, guard *pathguard.Guard) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		projects: projects,
		queue:    q,
		limiter:  limiter,
		guard:    guard,
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

	r.Post("/jobs/test", s.submitHandler(models.TypeTest, s.validateTest))
	r.Post("/jobs/canvas", s.submitHandler(models.TypeCanvas, s.validateCanvas))
	r.Post("/jobs/transition", s.submitHandler(models.TypeTransition, s.validateTransition))
	r.Post("/jobs/last-clip", s.submitHandler(models.TypeLastClip, s.validateLastClip))
	r.Post("/jobs/render", s.submitHandler(models.TypeRender, s.validateRender))
	r.Post("/jobs/pipeline", s.submitHandler(models.TypePipeline, s.validatePipeline))
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)

	r.Post("/projects", s.handleCreateProject)
	r.Get("/projects", s.handleListProjects)
	r.Get("/projects/{id}", s.handleGetProject)
	r.Post("/projects/{id}/assets", s.handleAddAsset)
	r.Get("/projects/{id}/assets", s.handleListAssets)
	r.Post("/projects/{id}/run", s.handleRunProject)
	r.Post("/projects/{id}/cancel", s.handleCancelProject)

	return r
}

type statusResponse struct {
	ID              string `json:"id"`
	Type            string `json:"job_type"`
	Status          string `json:"status"`
	Stage           string `json:"stage"`
	ProgressPercent int    `json:"progress_percent"`
	DetailMessage   string `json:"detail_message"`
	ResultMessage   string `json:"result_message"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`
}

// submitHandler is the shared submission path: rate limit, decode, run the
// type-specific validator, create the row, enqueue.
func (s *Server) submitHandler(jobType string, validate func(payload map[string]any) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}
		if err := validate(payload); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, faults.ErrValidation) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		s.createAndEnqueue(w, r, jobType, payload)
	}
}

func (s *Server) createAndEnqueue(w http.ResponseWriter, r *http.Request, jobType string, payload map[string]any) {
	job, idempotent, err := s.jobs.CreateJob(r.Context(), store.CreateJobParams{
		Type:           jobType,
		Payload:        payload,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		telemetry.EnqueueCounter.Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "idempotent": idempotent})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ID:              job.ID,
		Type:            job.Type,
		Status:          job.Status,
		Stage:           job.Stage,
		ProgressPercent: job.ProgressPercent,
		DetailMessage:   job.DetailMessage,
		ResultMessage:   job.ResultMessage,
		ErrorMessage:    job.ErrorMessage,
		CancelRequested: job.CancelRequested,
	})
}

// handleListJobs returns recent jobs, optionally filtered by status.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := s.jobs.ListJobs(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleCancelJob sets the cancel flag and returns immediately. The worker
// observes the flag at its next checkpoint; a terminal job ignores it.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	applied, err := s.jobs.RequestCancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"cancel_requested": applied})
}

type createProjectRequest struct {
	Name                      string  `json:"name"`
	TransitionDurationSeconds int     `json:"transition_duration_seconds"`
	TransitionPrompt          string  `json:"transition_prompt"`
	TransitionNegativePrompt  string  `json:"transition_negative_prompt"`
	LastClipDurationSeconds   int     `json:"last_clip_duration_seconds"`
	LastClipMotionStyle       string  `json:"last_clip_motion_style"`
	BGMPath                   string  `json:"bgm_path"`
	BGMVolume                 float64 `json:"bgm_volume"`
	FinalOutputPath           string  `json:"final_output_path"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.TransitionDurationSeconds == 0 {
		req.TransitionDurationSeconds = int(s.cfg.TransitionDuration)
	}
	if err := checkTransitionDuration(float64(req.TransitionDurationSeconds)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.LastClipMotionStyle == "" {
		req.LastClipMotionStyle = s.cfg.LastClipMotionStyle
	}
	if err := checkMotionStyle(req.LastClipMotionStyle); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := checkVolume(req.BGMVolume); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BGMPath != "" {
		if _, err := s.guard.CheckInput(req.BGMPath); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.LastClipDurationSeconds == 0 {
		req.LastClipDurationSeconds = s.cfg.LastClipDuration
	}
	if err := checkLastClipDuration(req.LastClipDurationSeconds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := s.projects.CreateProject(r.Context(), models.Project{
		Name:                      req.Name,
		TransitionDurationSeconds: req.TransitionDurationSeconds,
		TransitionPrompt:          req.TransitionPrompt,
		TransitionNegativePrompt:  req.TransitionNegativePrompt,
		LastClipDurationSeconds:   req.LastClipDurationSeconds,
		LastClipMotionStyle:       req.LastClipMotionStyle,
		BGMPath:                   req.BGMPath,
		BGMVolume:                 req.BGMVolume,
		FinalOutputPath:           req.FinalOutputPath,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.ListProjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.projects.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type addAssetRequest struct {
	OrderIndex int    `json:"order_index"`
	FilePath   string `json:"file_path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

func (s *Server) handleAddAsset(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	var req addAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	path, err := s.guard.CheckInput(req.FilePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.projects.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	asset, err := s.projects.AddAsset(r.Context(), models.Asset{
		ProjectID:  projectID,
		OrderIndex: req.OrderIndex,
		FilePath:   path,
		Width:      req.Width,
		Height:     req.Height,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOrderIndex) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.projects.ListAssets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

// handleRunProject starts the project's pipeline run. Assets are sorted by
// order_index; a project with an active run is rejected.
func (s *Server) handleRunProject(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	projectID := chi.URLParam(r, "id")
	project, err := s.projects.GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	assets, err := s.projects.ListAssets(r.Context(), projectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(assets) < 2 {
		http.Error(w, "project needs at least 2 assets", http.StatusBadRequest)
		return
	}

	imagePaths := make([]string, len(assets))
	for i, a := range assets {
		imagePaths[i] = a.FilePath
	}
	finalOutput := project.FinalOutputPath
	if finalOutput == "" {
		finalOutput = fmt.Sprintf("projects/%s/final.mp4", projectID)
	}
	payload := map[string]any{
		"project_id":                  projectID,
		"image_paths":                 imagePaths,
		"working_dir":                 fmt.Sprintf("projects/%s/work", projectID),
		"final_output_path":           finalOutput,
		"transition_duration_seconds": project.TransitionDurationSeconds,
		"transition_prompt":           project.TransitionPrompt,
		"transition_negative_prompt":  project.TransitionNegativePrompt,
		"last_clip_duration_seconds":  project.LastClipDurationSeconds,
		"last_clip_motion_style":      project.LastClipMotionStyle,
		"bgm_path":                    project.BGMPath,
		"bgm_volume":                  project.BGMVolume,
	}

	job, _, err := s.jobs.CreateJob(r.Context(), store.CreateJobParams{
		Type:    models.TypePipeline,
		Payload: payload,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.projects.StartRun(r.Context(), projectID, job.ID); err != nil {
		_ = s.jobs.MarkCancelled(r.Context(), job.ID)
		if errors.Is(err, store.ErrActiveRun) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// handleCancelProject requests cancellation of the project's current run.
func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.projects.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if project.CurrentJobID == "" {
		http.Error(w, "project has no current run", http.StatusConflict)
		return
	}
	applied, err := s.jobs.RequestCancel(r.Context(), project.CurrentJobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           project.CurrentJobID,
		"cancel_requested": applied,
	})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
