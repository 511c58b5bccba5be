// Package canvas implements the canvas-extension stage: every source photo
// is normalized onto the target canvas, with the side margins either
// generatively outpainted (gated by the safety checks) or filled with a
// deterministic safe background padding.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"memorialtube/internal/engine"
	"memorialtube/internal/providers"
	"memorialtube/internal/safety"
)

var errNonGenerativeProvider = errors.New("non-generative extender routed to safe padding")

// Settings tune one builder instance.
type Settings struct {
	Width                 int
	Height                int
	MinWidthForGeneration int
	BlurRadius            float64
	EdgeBlendWidth        int
	MaxAttempts           int
	Prompt                string
	NegativePrompt        string
	StrictSafety          bool
	Thresholds            safety.Thresholds
}

// Result is the diagnostic bundle of one canvas build.
type Result struct {
	OutputPath      string
	UsedOutpaint    bool
	FallbackApplied bool
	SafetyPassed    bool
	FallbackReason  string
	Provider        string
	Attempts        int
}

// Message renders the stage result line surfaced in result_message.
func (r Result) Message() string {
	reason := r.FallbackReason
	if reason == "" {
		reason = "none"
	}
	return fmt.Sprintf("canvas done: outpaint=%t, fallback=%t, safety=%t, reason=%s",
		r.UsedOutpaint, r.FallbackApplied, r.SafetyPassed, reason)
}

// Request is one canvas build invocation.
type Request struct {
	InputPath       string
	OutputPath      string
	FastMode        bool
	AnimalDetection bool
	// Cancelled is observed between attempts; nil means never cancelled.
	Cancelled func(ctx context.Context) bool
}

// Builder wires the extension providers and detector into the decision
// engine cycle.
type Builder struct {
	settings  Settings
	extenders *providers.Selector[providers.CanvasExtender]
	detectors *providers.Selector[providers.Detector]
	mirror    providers.MirrorExtender
}

// NewBuilder constructs a canvas builder.
func NewBuilder(settings Settings, extenders *providers.Selector[providers.CanvasExtender], detectors *providers.Selector[providers.Detector]) *Builder {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	return &Builder{settings: settings, extenders: extenders, detectors: detectors}
}

// ErrCancelled reports a build stopped at a cancellation checkpoint.
var ErrCancelled = errors.New("canvas build cancelled")

// Build produces the canvas image for one photo and writes it to the
// request's output path.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	src, err := imaging.Open(req.InputPath)
	if err != nil {
		return Result{}, fmt.Errorf("open input image: %w", err)
	}

	base, geom := b.compose(src)

	// Width policy: no room to generate, or too little source content to
	// anchor generation. Either way the safe padding is the result.
	if geom.Protected.Dx() >= b.settings.Width || geom.Protected.Dx() < b.settings.MinWidthForGeneration {
		res := Result{
			OutputPath:      req.OutputPath,
			FallbackApplied: true,
			SafetyPassed:    true,
			FallbackReason:  "outpaint skipped by width policy",
		}
		return res, b.save(base, req.OutputPath)
	}

	// A non-generative extender (mirror adapter) never has its output
	// accepted as generation output; route straight to the fallback.
	if active := b.extenders.Active(); !active.Generative() {
		res := Result{
			OutputPath:      req.OutputPath,
			FallbackApplied: true,
			SafetyPassed:    true,
			FallbackReason:  errNonGenerativeProvider.Error(),
			Provider:        active.Name(),
		}
		return res, b.save(b.safePadding(ctx, base, geom), req.OutputPath)
	}

	gates := b.gates(req.AnimalDetection)
	opts := providers.ExtendOptions{
		Prompt:         b.settings.Prompt,
		NegativePrompt: b.settings.NegativePrompt,
		FastMode:       req.FastMode,
	}

	policy := engine.Policy{
		MaxAttempts: b.settings.MaxAttempts,
		// An unavailable detector in strict mode cannot pass on retry.
		NoRetry: func(reason string) bool { return reason == safety.ReasonDetectorUnavailable },
	}
	outcome := engine.Run(ctx, policy, engine.Hooks[*image.NRGBA]{
		Provider: func() string { return b.extenders.Active().Name() },
		Attempt: func(ctx context.Context, _ int) (*image.NRGBA, error) {
			return b.attemptExtend(ctx, base, geom, opts)
		},
		Validate: func(ctx context.Context, candidate *image.NRGBA) (string, bool) {
			res := safety.Evaluate(ctx, gates, safety.Input{Base: base, Candidate: candidate, Geometry: geom})
			return res.Reason, res.OK
		},
		Fallback: func(ctx context.Context) (*image.NRGBA, error) {
			return b.safePadding(ctx, base, geom), nil
		},
		Cancelled: req.Cancelled,
	})

	result := Result{
		OutputPath:      req.OutputPath,
		UsedOutpaint:    outcome.GenerationAttempted,
		FallbackApplied: outcome.FallbackUsed,
		SafetyPassed:    outcome.SafetyPassed,
		FallbackReason:  outcome.Reason,
		Provider:        outcome.Provider,
		Attempts:        outcome.Attempts,
	}

	switch outcome.State {
	case engine.StateCancelled:
		return result, ErrCancelled
	case engine.StateFailedTerminal:
		return result, fmt.Errorf("canvas fallback failed: %w", outcome.Err)
	}
	return result, b.save(outcome.Result, req.OutputPath)
}

// attemptExtend calls the active extender, downgrading once on a provider
// load failure without consuming the attempt.
func (b *Builder) attemptExtend(ctx context.Context, base *image.NRGBA, geom providers.CanvasGeometry, opts providers.ExtendOptions) (*image.NRGBA, error) {
	ext := b.extenders.Active()
	if !ext.Generative() {
		return nil, errNonGenerativeProvider
	}
	out, err := ext.Extend(ctx, base, geom, opts)
	if err != nil && errors.Is(err, providers.ErrProviderLoad) && b.extenders.Downgrade() {
		ext = b.extenders.Active()
		if !ext.Generative() {
			return nil, errNonGenerativeProvider
		}
		out, err = ext.Extend(ctx, base, geom, opts)
	}
	return out, err
}

func (b *Builder) gates(animalDetection bool) []safety.Gate {
	var detector providers.Detector
	if animalDetection {
		detector = b.detectors.Active()
	}
	all := safety.CanvasGates(detector, b.settings.StrictSafety, b.settings.Thresholds)
	if animalDetection {
		return all
	}
	// Explicit opt-out: drop the content gate, keep the pixel gates.
	gates := make([]safety.Gate, 0, len(all)-1)
	for _, g := range all {
		if g.Name == "generated_content" {
			continue
		}
		gates = append(gates, g)
	}
	return gates
}

// compose builds the safe canvas: the source fitted into the target size
// over a blurred cover-cropped background, centered.
func (b *Builder) compose(src image.Image) (*image.NRGBA, providers.CanvasGeometry) {
	w, h := b.settings.Width, b.settings.Height

	fg := imaging.Fit(src, w, h, imaging.Lanczos)
	bg := imaging.Blur(imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos), b.settings.BlurRadius)

	x := (w - fg.Bounds().Dx()) / 2
	y := (h - fg.Bounds().Dy()) / 2
	canvas := imaging.Paste(bg, fg, image.Pt(x, y))

	geom := providers.CanvasGeometry{
		Width:     w,
		Height:    h,
		Protected: image.Rect(x, y, x+fg.Bounds().Dx(), y+fg.Bounds().Dy()),
	}
	return canvas, geom
}

// safePadding is the deterministic substitute for generation: the margins
// are filled by mirroring the adjacent protected edges over the blurred
// base, then the seams are softened.
func (b *Builder) safePadding(ctx context.Context, base *image.NRGBA, geom providers.CanvasGeometry) *image.NRGBA {
	filled, err := b.mirror.Extend(ctx, base, geom, providers.ExtendOptions{})
	if err != nil {
		filled = base
	}
	return b.blendEdges(filled, geom)
}

// blendEdges softens the vertical boundaries of the safe padding at the same
// edge width a generation result would have been blended with.
func (b *Builder) blendEdges(base *image.NRGBA, geom providers.CanvasGeometry) *image.NRGBA {
	edge := b.settings.EdgeBlendWidth
	if edge <= 0 {
		return imaging.Clone(base)
	}
	out := imaging.Clone(base)
	radius := float64(edge) / 4
	if radius < 1 {
		radius = 1
	}
	soften := func(x int) {
		if x <= 0 || x >= geom.Width {
			return
		}
		half := edge / 2
		band := image.Rect(max(0, x-half), 0, min(geom.Width, x+half), geom.Height)
		if band.Dx() <= 0 {
			return
		}
		blurred := imaging.Blur(imaging.Crop(base, band), radius)
		out = imaging.Paste(out, blurred, band.Min)
	}
	soften(geom.Protected.Min.X)
	soften(geom.Protected.Max.X)
	return out
}

func (b *Builder) save(img *image.NRGBA, outputPath string) error {
	if err := imaging.Save(img, outputPath); err != nil {
		return fmt.Errorf("save canvas: %w", err)
	}
	return nil
}
