// Package lastclip renders the closing clip of a memorial video: the final
// canvas held for a configured duration with an optional slow motion style.
package lastclip

import (
	"context"
	"errors"
	"fmt"
	"os"

	"memorialtube/internal/encoder"
	"memorialtube/internal/faults"
	"memorialtube/internal/models"
)

// Settings hold the defaults applied when a request leaves them unset.
type Settings struct {
	Duration    int
	MotionStyle string
}

// Result is the diagnostic bundle of one last-clip build.
type Result struct {
	OutputPath string
	Duration   int
	Motion     string
}

// Message renders the stage result line surfaced in result_message.
func (r Result) Message() string {
	return fmt.Sprintf("last clip done: duration=%ds, motion=%s", r.Duration, r.Motion)
}

// Request is one last-clip build invocation.
type Request struct {
	ImagePath  string
	OutputPath string
	Duration   int
	Motion     string
	Cancelled  func(ctx context.Context) bool
}

// ErrCancelled reports a build stopped at a cancellation checkpoint.
var ErrCancelled = errors.New("last clip build cancelled")

// Creator encodes the closing still clip.
type Creator struct {
	settings Settings
	enc      encoder.Encoder
}

// NewCreator constructs a last-clip creator.
func NewCreator(settings Settings, enc encoder.Encoder) *Creator {
	if settings.Duration < 1 {
		settings.Duration = 4
	}
	if settings.MotionStyle == "" {
		settings.MotionStyle = models.MotionZoomIn
	}
	return &Creator{settings: settings, enc: enc}
}

// Create renders the closing clip to the request's output path.
func (c *Creator) Create(ctx context.Context, req Request) (Result, error) {
	if req.Cancelled != nil && req.Cancelled(ctx) {
		return Result{}, ErrCancelled
	}

	duration := req.Duration
	if duration <= 0 {
		duration = c.settings.Duration
	}
	motion := req.Motion
	if motion == "" {
		motion = c.settings.MotionStyle
	}
	switch motion {
	case models.MotionZoomIn, models.MotionZoomOut, models.MotionNone:
	default:
		return Result{}, fmt.Errorf("%w: unknown motion style %q", faults.ErrValidation, motion)
	}

	if _, err := os.Stat(req.ImagePath); err != nil {
		return Result{}, fmt.Errorf("%w: last clip source image: %v", faults.ErrValidation, err)
	}

	result := Result{OutputPath: req.OutputPath, Duration: duration, Motion: motion}
	if err := c.enc.StillClip(ctx, req.ImagePath, req.OutputPath, duration, motion); err != nil {
		return Result{}, fmt.Errorf("encode last clip: %w", err)
	}
	return result, nil
}
