// Package pipeline sequences the full memorial video build for one set of
// photos: canvas-normalize every photo, build a transition between each
// consecutive pair, render the closing clip, then concatenate everything
// into the final video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"memorialtube/internal/canvas"
	"memorialtube/internal/faults"
	"memorialtube/internal/lastclip"
	"memorialtube/internal/render"
	"memorialtube/internal/transition"
)

// Fixed stage weights for overall progress aggregation. Each sub-stage
// reports 0-100 which is rescaled into its weight window.
const (
	weightCanvas      = 20
	weightTransitions = 50
	weightLastClip    = 10
	weightRender      = 20
)

// Reporter receives progress updates and answers cancellation probes for
// one pipeline run.
type Reporter interface {
	Stage(ctx context.Context, stage string, percent int, detail string)
	Cancelled(ctx context.Context) bool
}

// NopReporter discards progress and never cancels.
type NopReporter struct{}

func (NopReporter) Stage(context.Context, string, int, string) {}
func (NopReporter) Cancelled(context.Context) bool             { return false }

// Request is one full pipeline invocation.
type Request struct {
	PhotoPaths      []string
	WorkDir         string
	OutputPath      string
	FastMode        bool
	AnimalDetection bool

	// TransitionDuration in seconds; zero uses the configured default.
	// The prompts override the configured defaults when non-empty.
	TransitionDuration       float64
	TransitionPrompt         string
	TransitionNegativePrompt string
	LastClipDuration         int
	LastClipMotion           string
	BGMPath                  string
	BGMVolume                float64
}

// Summary aggregates the per-stage diagnostics of one pipeline run.
type Summary struct {
	OutputPath          string
	PhotoCount          int
	TransitionCount     int
	CanvasFallbacks     int
	TransitionFallbacks int
}

// Message renders the pipeline result line surfaced in result_message.
func (s Summary) Message() string {
	return fmt.Sprintf("pipeline done: photos=%d, transitions=%d, canvas_fallbacks=%d, transition_fallbacks=%d",
		s.PhotoCount, s.TransitionCount, s.CanvasFallbacks, s.TransitionFallbacks)
}

// ErrCancelled reports a pipeline stopped at a cancellation checkpoint or
// inside a sub-stage.
var ErrCancelled = errors.New("pipeline cancelled")

// Orchestrator runs the stage executors in sequence. Stages fail fast:
// the first terminal failure or cancellation stops the chain, and
// intermediate artifacts already written are left in place.
type Orchestrator struct {
	canvases    *canvas.Builder
	transitions *transition.Synthesizer
	lastClip    *lastclip.Creator
	renderer    *render.Renderer
}

// NewOrchestrator wires the four stage executors.
func NewOrchestrator(c *canvas.Builder, t *transition.Synthesizer, l *lastclip.Creator, r *render.Renderer) *Orchestrator {
	return &Orchestrator{canvases: c, transitions: t, lastClip: l, renderer: r}
}

// Run executes the full pipeline. The reporter's cancellation probe is
// checked before each sub-stage and passed down so an in-flight stage
// observes it between attempts.
func (o *Orchestrator) Run(ctx context.Context, req Request, rep Reporter) (Summary, error) {
	if rep == nil {
		rep = NopReporter{}
	}
	if len(req.PhotoPaths) < 2 {
		return Summary{}, fmt.Errorf("%w: pipeline needs at least 2 photos, got %d",
			faults.ErrValidation, len(req.PhotoPaths))
	}

	summary := Summary{
		OutputPath:      req.OutputPath,
		PhotoCount:      len(req.PhotoPaths),
		TransitionCount: len(req.PhotoPaths) - 1,
	}
	cancelled := rep.Cancelled

	// Canvas normalization: 0-20%.
	canvasPaths := make([]string, len(req.PhotoPaths))
	for i, photo := range req.PhotoPaths {
		if cancelled(ctx) {
			return summary, ErrCancelled
		}
		out := filepath.Join(req.WorkDir, fmt.Sprintf("canvas_%03d.png", i))
		rep.Stage(ctx, "canvas", scale(weightCanvas, 0, i, len(req.PhotoPaths)),
			fmt.Sprintf("normalizing photo %d/%d", i+1, len(req.PhotoPaths)))
		res, err := o.canvases.Build(ctx, canvas.Request{
			InputPath:       photo,
			OutputPath:      out,
			FastMode:        req.FastMode,
			AnimalDetection: req.AnimalDetection,
			Cancelled:       cancelled,
		})
		if err != nil {
			if errors.Is(err, canvas.ErrCancelled) {
				return summary, ErrCancelled
			}
			return summary, fmt.Errorf("canvas %d/%d: %w", i+1, len(req.PhotoPaths), err)
		}
		if res.FallbackApplied {
			summary.CanvasFallbacks++
		}
		canvasPaths[i] = out
	}

	// Transitions between consecutive canvases: 20-70%.
	clipPaths := make([]string, 0, len(canvasPaths))
	for i := 0; i < len(canvasPaths)-1; i++ {
		if cancelled(ctx) {
			return summary, ErrCancelled
		}
		out := filepath.Join(req.WorkDir, fmt.Sprintf("transition_%03d.mp4", i))
		rep.Stage(ctx, "transition", scale(weightTransitions, weightCanvas, i, len(canvasPaths)-1),
			fmt.Sprintf("transition %d/%d", i+1, len(canvasPaths)-1))
		res, err := o.transitions.Create(ctx, transition.Request{
			FromPath:       canvasPaths[i],
			ToPath:         canvasPaths[i+1],
			OutputPath:     out,
			Duration:       req.TransitionDuration,
			Prompt:         req.TransitionPrompt,
			NegativePrompt: req.TransitionNegativePrompt,
			Cancelled:      cancelled,
		})
		if err != nil {
			if errors.Is(err, transition.ErrCancelled) {
				return summary, ErrCancelled
			}
			return summary, fmt.Errorf("transition %d/%d: %w", i+1, len(canvasPaths)-1, err)
		}
		if res.FallbackApplied {
			summary.TransitionFallbacks++
		}
		clipPaths = append(clipPaths, out)
	}

	// Closing clip from the final canvas: 70-80%.
	if cancelled(ctx) {
		return summary, ErrCancelled
	}
	rep.Stage(ctx, "last_clip", weightCanvas+weightTransitions, "rendering closing clip")
	lastPath := filepath.Join(req.WorkDir, "last_clip.mp4")
	if _, err := o.lastClip.Create(ctx, lastclip.Request{
		ImagePath:  canvasPaths[len(canvasPaths)-1],
		OutputPath: lastPath,
		Duration:   req.LastClipDuration,
		Motion:     req.LastClipMotion,
		Cancelled:  cancelled,
	}); err != nil {
		if errors.Is(err, lastclip.ErrCancelled) {
			return summary, ErrCancelled
		}
		return summary, fmt.Errorf("last clip: %w", err)
	}
	clipPaths = append(clipPaths, lastPath)

	// Final render: 80-100%.
	if cancelled(ctx) {
		return summary, ErrCancelled
	}
	rep.Stage(ctx, "render", weightCanvas+weightTransitions+weightLastClip,
		fmt.Sprintf("concatenating %d clips", len(clipPaths)))
	if _, err := o.renderer.Render(ctx, render.Request{
		ClipPaths:  clipPaths,
		OutputPath: req.OutputPath,
		BGMPath:    req.BGMPath,
		BGMVolume:  req.BGMVolume,
		Cancelled:  cancelled,
	}); err != nil {
		if errors.Is(err, render.ErrCancelled) {
			return summary, ErrCancelled
		}
		return summary, fmt.Errorf("render: %w", err)
	}

	rep.Stage(ctx, "render", 100, strings.TrimSpace(summary.Message()))
	return summary, nil
}

// scale maps item i of n within a stage's weight window starting at base.
func scale(weight, base, i, n int) int {
	if n <= 0 {
		return base
	}
	return base + weight*i/n
}
