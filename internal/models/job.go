package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job types accepted by the submission API.
const (
	TypeTest       = "test"
	TypeCanvas     = "canvas"
	TypeTransition = "transition"
	TypeLastClip   = "last_clip"
	TypeRender     = "render"
	TypePipeline   = "pipeline"
)

// Job represents one unit of asynchronous work persisted in Postgres.
// Stage, ProgressPercent and DetailMessage are mutated only by the executing
// worker; CancelRequested transitions false->true exactly once.
type Job struct {
	ID              string         `json:"id"`
	Type            string         `json:"job_type"`
	Status          string         `json:"status"`
	Stage           string         `json:"stage"`
	ProgressPercent int            `json:"progress_percent"`
	DetailMessage   string         `json:"detail_message"`
	ResultMessage   string         `json:"result_message"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	Payload         map[string]any `json:"payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Terminal reports whether the job has left the running/queued phase.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
