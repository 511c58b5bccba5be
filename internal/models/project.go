package models

import "time"

// Project lifecycle states.
const (
	ProjectDraft     = "draft"
	ProjectRunning   = "running"
	ProjectCompleted = "completed"
	ProjectFailed    = "failed"
)

// Motion styles accepted for the closing clip.
const (
	MotionZoomIn  = "zoom_in"
	MotionZoomOut = "zoom_out"
	MotionNone    = "none"
)

// Project groups ordered photo assets with the creative configuration used
// when its pipeline run is started. CurrentJobID points at the most recently
// started pipeline job; a project has at most one non-terminal run.
type Project struct {
	ID                        string    `json:"id"`
	Name                      string    `json:"name"`
	Status                    string    `json:"status"`
	TransitionDurationSeconds int       `json:"transition_duration_seconds"`
	TransitionPrompt          string    `json:"transition_prompt"`
	TransitionNegativePrompt  string    `json:"transition_negative_prompt,omitempty"`
	LastClipDurationSeconds   int       `json:"last_clip_duration_seconds"`
	LastClipMotionStyle       string    `json:"last_clip_motion_style"`
	BGMPath                   string    `json:"bgm_path,omitempty"`
	BGMVolume                 float64   `json:"bgm_volume"`
	FinalOutputPath           string    `json:"final_output_path,omitempty"`
	CurrentJobID              string    `json:"current_job_id,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// Asset is a single source photo within a project. OrderIndex is unique per
// project but not required to be contiguous; consumers sort by it.
type Asset struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	OrderIndex int       `json:"order_index"`
	FilePath   string    `json:"file_path"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CreatedAt  time.Time `json:"created_at"`
}
