// Package providers defines the interchangeable backend capabilities the
// stage executors call into: canvas extension, animal detection and
// transition synthesis. Remote variants talk to an HTTP inference service;
// deterministic variants run locally. Selection between them is a pure
// function of configuration plus a load-failure memo.
package providers

import (
	"context"
	"errors"
	"image"
)

// ErrProviderLoad marks a backend that failed to initialize (unreachable
// endpoint, missing configuration). Load failures trigger a permanent
// downgrade to the secondary provider and do not consume a retry attempt.
var ErrProviderLoad = errors.New("provider load failure")

// Detection is one subject found by a detector backend.
type Detection struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"-"`
}

// CanvasGeometry describes the target canvas and the protected region that
// must keep the original pixel content.
type CanvasGeometry struct {
	Width     int
	Height    int
	Protected image.Rectangle
}

// LeftMargin returns the generated region left of the protected rectangle.
func (g CanvasGeometry) LeftMargin() image.Rectangle {
	return image.Rect(0, 0, g.Protected.Min.X, g.Height)
}

// RightMargin returns the generated region right of the protected rectangle.
func (g CanvasGeometry) RightMargin() image.Rectangle {
	return image.Rect(g.Protected.Max.X, 0, g.Width, g.Height)
}

// ExtendOptions tune a single outpaint call.
type ExtendOptions struct {
	Prompt         string
	NegativePrompt string
	FastMode       bool
}

// CanvasExtender fills the side margins of a centered photo. Generative
// implementations may fail or produce unsafe content; non-generative ones
// are deterministic and their output is routed through the stage fallback
// instead of being accepted as generation output.
type CanvasExtender interface {
	Name() string
	Generative() bool
	Extend(ctx context.Context, base *image.NRGBA, geom CanvasGeometry, opts ExtendOptions) (*image.NRGBA, error)
}

// Detector finds animal subjects in an image.
type Detector interface {
	Name() string
	// Available reports whether the backing model is usable. Gates fail
	// closed on unavailable detectors when strict safety is enabled.
	Available() bool
	Detect(ctx context.Context, img *image.NRGBA) ([]Detection, error)
}

// TransitionSpec tunes one synthesized transition.
type TransitionSpec struct {
	FrameCount     int
	Width          int
	Height         int
	Prompt         string
	NegativePrompt string
}

// TransitionSynth produces the intermediate frames of a cross-fade between
// two normalized canvases. Frame 0 and the final frame must reproduce the
// inputs exactly.
type TransitionSynth interface {
	Name() string
	Generative() bool
	Synthesize(ctx context.Context, a, b *image.NRGBA, spec TransitionSpec) ([]*image.NRGBA, error)
}
