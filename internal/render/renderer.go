// Package render concatenates the stage clips into the final memorial
// video, with optional clip reordering and background music.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"memorialtube/internal/encoder"
	"memorialtube/internal/faults"
)

// Result is the diagnostic bundle of one render.
type Result struct {
	OutputPath string
	ClipCount  int
	BGMApplied bool
}

// Message renders the stage result line surfaced in result_message.
func (r Result) Message() string {
	return fmt.Sprintf("render done: clips=%d, bgm=%t", r.ClipCount, r.BGMApplied)
}

// Request is one render invocation. ClipOrders, when present, assigns a
// rank to each clip; clips are concatenated in ascending rank order.
type Request struct {
	ClipPaths  []string
	ClipOrders []int
	OutputPath string
	BGMPath    string
	BGMVolume  float64
	Cancelled  func(ctx context.Context) bool
}

// ErrCancelled reports a render stopped at a cancellation checkpoint.
var ErrCancelled = errors.New("render cancelled")

// Renderer drives the final concat through the encoder.
type Renderer struct {
	enc encoder.Encoder
}

// NewRenderer constructs a renderer.
func NewRenderer(enc encoder.Encoder) *Renderer {
	return &Renderer{enc: enc}
}

// Order returns the clip paths in their requested concatenation order.
// Ranks must be injective: a duplicate rank is a validation error, not a
// silent tie-break.
func Order(clipPaths []string, clipOrders []int) ([]string, error) {
	if len(clipPaths) == 0 {
		return nil, fmt.Errorf("%w: no clips to render", faults.ErrValidation)
	}
	if len(clipOrders) == 0 {
		return clipPaths, nil
	}
	if len(clipOrders) != len(clipPaths) {
		return nil, fmt.Errorf("%w: clip_orders has %d entries for %d clips",
			faults.ErrValidation, len(clipOrders), len(clipPaths))
	}

	seen := make(map[int]int, len(clipOrders))
	for i, rank := range clipOrders {
		if prev, dup := seen[rank]; dup {
			return nil, fmt.Errorf("%w: duplicate clip rank %d for clips %d and %d",
				faults.ErrValidation, rank, prev, i)
		}
		seen[rank] = i
	}

	idx := make([]int, len(clipPaths))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return clipOrders[idx[a]] < clipOrders[idx[b]] })

	ordered := make([]string, len(clipPaths))
	for i, j := range idx {
		ordered[i] = clipPaths[j]
	}
	return ordered, nil
}

// Render validates the request and concatenates the clips.
func (r *Renderer) Render(ctx context.Context, req Request) (Result, error) {
	if req.Cancelled != nil && req.Cancelled(ctx) {
		return Result{}, ErrCancelled
	}

	ordered, err := Order(req.ClipPaths, req.ClipOrders)
	if err != nil {
		return Result{}, err
	}
	for _, p := range ordered {
		if _, err := os.Stat(p); err != nil {
			return Result{}, fmt.Errorf("%w: clip %s: %v", faults.ErrValidation, p, err)
		}
	}
	if req.BGMPath != "" {
		if _, err := os.Stat(req.BGMPath); err != nil {
			return Result{}, fmt.Errorf("%w: bgm %s: %v", faults.ErrValidation, req.BGMPath, err)
		}
	}

	if err := r.enc.Concat(ctx, ordered, req.OutputPath, req.BGMPath, req.BGMVolume); err != nil {
		return Result{}, fmt.Errorf("concat clips: %w", err)
	}
	return Result{
		OutputPath: req.OutputPath,
		ClipCount:  len(ordered),
		BGMApplied: req.BGMPath != "",
	}, nil
}
