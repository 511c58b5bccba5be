package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"memorialtube/internal/models"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrNotFound            = errors.New("not found")
	ErrActiveRun           = errors.New("project already has an active run")
	ErrDuplicateOrderIndex = errors.New("order_index already used in project")
)

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	Payload        map[string]any
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring idempotency if provided. It returns
// the job and a boolean indicating whether an existing job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, job_type, status, stage, progress_percent, detail_message, payload, created_at, updated_at)
		VALUES ($1, $2, $3, '', 0, '', $4, $5, $5)
	`, id, p.Type, models.StatusQueued, payloadJSON, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:        id,
		Type:      p.Type,
		Status:    models.StatusQueued,
		Payload:   p.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_type, status, stage, progress_percent, detail_message, result_message, error_message, cancel_requested, payload, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var result, lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Stage, &job.ProgressPercent, &job.DetailMessage,
		&result, &lastErr, &job.CancelRequested, &payloadJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.ResultMessage = result.String
	job.ErrorMessage = lastErr.String
	return job, nil
}

// MarkRunning transitions a queued job to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, models.StatusRunning, models.StatusQueued)
	return err
}

// UpdateProgress persists a stage/progress/detail update. Progress never
// moves backwards: a stale write is clamped at the stored value.
func (s *Store) UpdateProgress(ctx context.Context, id, stage string, percent int, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET stage = $2,
		    progress_percent = GREATEST(progress_percent, $3),
		    detail_message = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, stage, percent, detail, models.StatusRunning)
	return err
}

// RequestCancel sets cancel_requested on a non-terminal job. A late cancel
// against an already-terminal job is ignored; applied reports whether the
// flag was set by this call or was already pending.
func (s *Store) RequestCancel(ctx context.Context, id string) (applied bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
	`, id, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CancelRequested reads the cancel flag for a job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return flag, err
}

// MarkSucceeded records a successful terminal status with its result line.
func (s *Store) MarkSucceeded(ctx context.Context, id, resultMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress_percent = 100, result_message = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusSucceeded, resultMessage)
	return err
}

// MarkFailed records a failed terminal status.
func (s *Store) MarkFailed(ctx context.Context, id, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, errorMessage)
	return err
}

// MarkCancelled records the cancelled terminal status.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// ListJobs returns the most recent jobs, newest first. A non-empty status
// filters; limit values below 1 default to 50.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_type, status, stage, progress_percent, detail_message, result_message, error_message, cancel_requested, created_at, updated_at
		FROM jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		var result, lastErr pgtype.Text
		if err := rows.Scan(&job.ID, &job.Type, &job.Status, &job.Stage, &job.ProgressPercent, &job.DetailMessage,
			&result, &lastErr, &job.CancelRequested, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.ResultMessage = result.String
		job.ErrorMessage = lastErr.String
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in a given status, for metrics.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1
	`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CreateProject inserts a project row with its creative configuration.
func (s *Store) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
	p.ID = uuid.New().String()
	p.Status = models.ProjectDraft
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, status, transition_duration_seconds, transition_prompt, transition_negative_prompt,
			last_clip_duration_seconds, last_clip_motion_style, bgm_path, bgm_volume, final_output_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, p.ID, p.Name, p.Status, p.TransitionDurationSeconds, p.TransitionPrompt, p.TransitionNegativePrompt,
		p.LastClipDurationSeconds, p.LastClipMotionStyle, p.BGMPath, p.BGMVolume, p.FinalOutputPath, now)
	if err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, transition_duration_seconds, transition_prompt, transition_negative_prompt,
			last_clip_duration_seconds, last_clip_motion_style, bgm_path, bgm_volume, final_output_path,
			current_job_id, created_at, updated_at
		FROM projects WHERE id = $1
	`, id)

	var p models.Project
	var currentJob pgtype.Text
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.TransitionDurationSeconds, &p.TransitionPrompt,
		&p.TransitionNegativePrompt, &p.LastClipDurationSeconds, &p.LastClipMotionStyle, &p.BGMPath,
		&p.BGMVolume, &p.FinalOutputPath, &currentJob, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return models.Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.CurrentJobID = currentJob.String
	return p, nil
}

// ListProjects returns projects newest first.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, transition_duration_seconds, transition_prompt, transition_negative_prompt,
			last_clip_duration_seconds, last_clip_motion_style, bgm_path, bgm_volume, final_output_path,
			current_job_id, created_at, updated_at
		FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var currentJob pgtype.Text
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.TransitionDurationSeconds, &p.TransitionPrompt,
			&p.TransitionNegativePrompt, &p.LastClipDurationSeconds, &p.LastClipMotionStyle, &p.BGMPath,
			&p.BGMVolume, &p.FinalOutputPath, &currentJob, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CurrentJobID = currentJob.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// AddAsset inserts a photo asset. OrderIndex is unique within a project.
func (s *Store) AddAsset(ctx context.Context, a models.Asset) (models.Asset, error) {
	a.ID = uuid.New().String()
	a.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO assets (id, project_id, order_index, file_path, width, height, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.ProjectID, a.OrderIndex, a.FilePath, a.Width, a.Height, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Asset{}, fmt.Errorf("order_index %d: %w", a.OrderIndex, ErrDuplicateOrderIndex)
		}
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return a, nil
}

// ListAssets returns a project's assets sorted by order_index.
func (s *Store) ListAssets(ctx context.Context, projectID string) ([]models.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, order_index, file_path, width, height, created_at
		FROM assets WHERE project_id = $1 ORDER BY order_index
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.OrderIndex, &a.FilePath, &a.Width, &a.Height, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// StartRun attaches a pipeline job as the project's current run. The
// single-active-run rule is enforced in one transaction: a project whose
// current job is still queued or running rejects a new run.
func (s *Store) StartRun(ctx context.Context, projectID, jobID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentJob pgtype.Text
	err = tx.QueryRow(ctx, `
		SELECT current_job_id FROM projects WHERE id = $1 FOR UPDATE
	`, projectID).Scan(&currentJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock project: %w", err)
	}

	if currentJob.Valid && currentJob.String != "" {
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, currentJob.String).Scan(&status)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("query current run: %w", err)
		}
		if err == nil && (status == models.StatusQueued || status == models.StatusRunning) {
			return ErrActiveRun
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE projects SET current_job_id = $2, status = $3, updated_at = NOW() WHERE id = $1
	`, projectID, jobID, models.ProjectRunning); err != nil {
		return fmt.Errorf("attach run: %w", err)
	}
	return tx.Commit(ctx)
}

// FinishRun records the project status once its current run ends.
func (s *Store) FinishRun(ctx context.Context, projectID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE projects SET status = $2, updated_at = NOW() WHERE id = $1
	`, projectID, status)
	return err
}
