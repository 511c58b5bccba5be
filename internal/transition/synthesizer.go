// Package transition builds the short clips that bridge two consecutive
// canvas images, either with a generative frame synthesizer or with the
// classic crossfade fallback.
package transition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"memorialtube/internal/encoder"
	"memorialtube/internal/engine"
	"memorialtube/internal/providers"
)

const reasonDegenerate = "degenerate_transition_output"

var errNonGenerativeSynth = errors.New("non-generative synthesizer routed to classic crossfade")

// Settings tune one synthesizer instance.
type Settings struct {
	Width          int
	Height         int
	FPS            int
	Duration       float64
	MaxAttempts    int
	Prompt         string
	NegativePrompt string
}

// Result is the diagnostic bundle of one transition build.
type Result struct {
	OutputPath      string
	UsedGeneration  bool
	FallbackApplied bool
	FallbackReason  string
	Provider        string
	Attempts        int
	FrameCount      int
}

// Message renders the stage result line surfaced in result_message.
func (r Result) Message() string {
	reason := r.FallbackReason
	if reason == "" {
		reason = "none"
	}
	return fmt.Sprintf("transition done: generated=%t, fallback=%t, frames=%d, reason=%s",
		r.UsedGeneration, r.FallbackApplied, r.FrameCount, reason)
}

// Request is one transition build invocation.
type Request struct {
	FromPath   string
	ToPath     string
	OutputPath string
	// Duration overrides the configured duration when positive; Prompt and
	// NegativePrompt override the configured prompts when non-empty.
	Duration       float64
	Prompt         string
	NegativePrompt string
	Cancelled      func(ctx context.Context) bool
}

// ErrCancelled reports a build stopped at a cancellation checkpoint.
var ErrCancelled = errors.New("transition build cancelled")

// Synthesizer wires the transition providers into the decision engine
// cycle and encodes the resulting frames.
type Synthesizer struct {
	settings Settings
	synths   *providers.Selector[providers.TransitionSynth]
	classic  providers.ClassicTransitionSynth
	enc      encoder.Encoder
}

// NewSynthesizer constructs a transition synthesizer.
func NewSynthesizer(settings Settings, synths *providers.Selector[providers.TransitionSynth], enc encoder.Encoder) *Synthesizer {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	return &Synthesizer{settings: settings, synths: synths, enc: enc}
}

// Create produces the transition clip between the two input images and
// writes the encoded video to the request's output path.
func (s *Synthesizer) Create(ctx context.Context, req Request) (Result, error) {
	from, err := s.loadFrame(req.FromPath)
	if err != nil {
		return Result{}, err
	}
	to, err := s.loadFrame(req.ToPath)
	if err != nil {
		return Result{}, err
	}

	duration := req.Duration
	if duration <= 0 {
		duration = s.settings.Duration
	}
	prompt, negative := s.settings.Prompt, s.settings.NegativePrompt
	if req.Prompt != "" {
		prompt = req.Prompt
	}
	if req.NegativePrompt != "" {
		negative = req.NegativePrompt
	}
	spec := providers.TransitionSpec{
		FrameCount:     s.frameCount(duration),
		Width:          s.settings.Width,
		Height:         s.settings.Height,
		Prompt:         prompt,
		NegativePrompt: negative,
	}

	// A non-generative synthesizer never has its output accepted as
	// generation output; route straight to the crossfade without burning
	// attempts on it.
	if active := s.synths.Active(); !active.Generative() {
		if req.Cancelled != nil && req.Cancelled(ctx) {
			return Result{OutputPath: req.OutputPath, Provider: active.Name()}, ErrCancelled
		}
		frames, err := s.classic.Synthesize(ctx, from, to, spec)
		if err != nil {
			return Result{OutputPath: req.OutputPath, Provider: active.Name()},
				fmt.Errorf("transition fallback failed: %w", err)
		}
		result := Result{
			OutputPath:      req.OutputPath,
			FallbackApplied: true,
			FallbackReason:  errNonGenerativeSynth.Error(),
			Provider:        active.Name(),
			FrameCount:      len(frames),
		}
		return result, s.encode(ctx, frames, req.OutputPath)
	}

	outcome := engine.Run(ctx, engine.Policy{MaxAttempts: s.settings.MaxAttempts}, engine.Hooks[[]*image.NRGBA]{
		Provider: func() string { return s.synths.Active().Name() },
		Attempt: func(ctx context.Context, _ int) ([]*image.NRGBA, error) {
			return s.attemptSynthesize(ctx, from, to, spec)
		},
		Validate: func(_ context.Context, frames []*image.NRGBA) (string, bool) {
			return s.validateFrames(frames, spec)
		},
		Fallback: func(ctx context.Context) ([]*image.NRGBA, error) {
			return s.classic.Synthesize(ctx, from, to, spec)
		},
		Cancelled: req.Cancelled,
	})

	result := Result{
		OutputPath:      req.OutputPath,
		UsedGeneration:  outcome.GenerationAttempted,
		FallbackApplied: outcome.FallbackUsed,
		FallbackReason:  outcome.Reason,
		Provider:        outcome.Provider,
		Attempts:        outcome.Attempts,
		FrameCount:      len(outcome.Result),
	}

	switch outcome.State {
	case engine.StateCancelled:
		return result, ErrCancelled
	case engine.StateFailedTerminal:
		return result, fmt.Errorf("transition fallback failed: %w", outcome.Err)
	}
	return result, s.encode(ctx, outcome.Result, req.OutputPath)
}

// attemptSynthesize calls the active synthesizer, downgrading once on a
// provider load failure without consuming the attempt. A downgrade landing
// on a non-generative synth routes to the fallback; its output is never
// accepted as a generation result.
func (s *Synthesizer) attemptSynthesize(ctx context.Context, from, to *image.NRGBA, spec providers.TransitionSpec) ([]*image.NRGBA, error) {
	synth := s.synths.Active()
	if !synth.Generative() {
		return nil, errNonGenerativeSynth
	}
	frames, err := synth.Synthesize(ctx, from, to, spec)
	if err != nil && errors.Is(err, providers.ErrProviderLoad) && s.synths.Downgrade() {
		synth = s.synths.Active()
		if !synth.Generative() {
			return nil, errNonGenerativeSynth
		}
		frames, err = synth.Synthesize(ctx, from, to, spec)
	}
	return frames, err
}

func (s *Synthesizer) validateFrames(frames []*image.NRGBA, spec providers.TransitionSpec) (string, bool) {
	if len(frames) < spec.FrameCount {
		return reasonDegenerate, false
	}
	for _, f := range frames {
		if f == nil || f.Bounds().Dx() != spec.Width || f.Bounds().Dy() != spec.Height {
			return reasonDegenerate, false
		}
	}
	return "", true
}

func (s *Synthesizer) frameCount(duration float64) int {
	n := int(math.Round(duration * float64(s.settings.FPS)))
	if n < 2 {
		n = 2
	}
	return n
}

// loadFrame opens an input image and normalizes it to the target size.
func (s *Synthesizer) loadFrame(path string) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transition input: %w", err)
	}
	if img.Bounds().Dx() == s.settings.Width && img.Bounds().Dy() == s.settings.Height {
		return imaging.Clone(img), nil
	}
	return imaging.Fill(img, s.settings.Width, s.settings.Height, imaging.Center, imaging.Lanczos), nil
}

// encode writes the frames to a scratch directory and runs them through
// the encoder.
func (s *Synthesizer) encode(ctx context.Context, frames []*image.NRGBA, outputPath string) error {
	dir, err := os.MkdirTemp(filepath.Dir(outputPath), "transition-frames-")
	if err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for i, f := range frames {
		name := filepath.Join(dir, fmt.Sprintf("frame_%05d.png", i))
		if err := imaging.Save(f, name); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	pattern := filepath.Join(dir, "frame_%05d.png")
	if err := s.enc.FramesToVideo(ctx, pattern, outputPath); err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	return nil
}
