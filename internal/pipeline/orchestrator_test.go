package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"memorialtube/internal/canvas"
	"memorialtube/internal/faults"
	"memorialtube/internal/lastclip"
	"memorialtube/internal/providers"
	"memorialtube/internal/render"
	"memorialtube/internal/safety"
	"memorialtube/internal/transition"
)

type fakeExtender struct{ calls int }

func (e *fakeExtender) Name() string     { return "gen" }
func (e *fakeExtender) Generative() bool { return true }

func (e *fakeExtender) Extend(_ context.Context, base *image.NRGBA, _ providers.CanvasGeometry, _ providers.ExtendOptions) (*image.NRGBA, error) {
	e.calls++
	return imaging.Clone(base), nil
}

type fakeDetector struct{}

func (fakeDetector) Name() string    { return "fake-detector" }
func (fakeDetector) Available() bool { return true }

func (fakeDetector) Detect(context.Context, *image.NRGBA) ([]providers.Detection, error) {
	return nil, nil
}

type fakeSynth struct {
	calls        int
	lastPrompt   string
	lastNegative string
}

func (s *fakeSynth) Name() string     { return "gen" }
func (s *fakeSynth) Generative() bool { return true }

func (s *fakeSynth) Synthesize(_ context.Context, a, _ *image.NRGBA, spec providers.TransitionSpec) ([]*image.NRGBA, error) {
	s.calls++
	s.lastPrompt = spec.Prompt
	s.lastNegative = spec.NegativePrompt
	frames := make([]*image.NRGBA, spec.FrameCount)
	for i := range frames {
		frames[i] = imaging.Clone(a)
	}
	return frames, nil
}

// stubEncoder writes placeholder files so downstream stages can stat the
// clips they consume, and records the final concat order.
type stubEncoder struct {
	stillCalls  int
	frameCalls  int
	concatCalls int
	concatClips []string
}

func (e *stubEncoder) Version(context.Context) (string, error) { return "stub", nil }

func (e *stubEncoder) StillClip(_ context.Context, _, outputPath string, _ int, _ string) error {
	e.stillCalls++
	return os.WriteFile(outputPath, []byte("clip"), 0o644)
}

func (e *stubEncoder) FramesToVideo(_ context.Context, _, outputPath string) error {
	e.frameCalls++
	return os.WriteFile(outputPath, []byte("clip"), 0o644)
}

func (e *stubEncoder) Concat(_ context.Context, clipPaths []string, outputPath, _ string, _ float64) error {
	e.concatCalls++
	e.concatClips = append([]string(nil), clipPaths...)
	return os.WriteFile(outputPath, []byte("final"), 0o644)
}

// recorder captures every progress report and cancels after a configured
// number of stage reports.
type recorder struct {
	stages      []string
	percents    []int
	cancelAfter int // cancel once this many reports have been seen; 0 disables
	reports     int
}

func (r *recorder) Stage(_ context.Context, stage string, percent int, _ string) {
	r.reports++
	r.stages = append(r.stages, stage)
	r.percents = append(r.percents, percent)
}

func (r *recorder) Cancelled(context.Context) bool {
	return r.cancelAfter > 0 && r.reports >= r.cancelAfter
}

func newTestOrchestrator(t *testing.T, enc *stubEncoder) (*Orchestrator, *fakeSynth) {
	t.Helper()
	cb := canvas.NewBuilder(canvas.Settings{
		Width:                 64,
		Height:                48,
		MinWidthForGeneration: 4,
		BlurRadius:            2,
		EdgeBlendWidth:        8,
		MaxAttempts:           2,
		StrictSafety:          true,
		Thresholds:            safety.DefaultThresholds(),
	},
		providers.NewFixedSelector[providers.CanvasExtender](&fakeExtender{}),
		providers.NewFixedSelector[providers.Detector](fakeDetector{}))
	synth := &fakeSynth{}
	ts := transition.NewSynthesizer(transition.Settings{
		Width: 64, Height: 48, FPS: 5, Duration: 2, MaxAttempts: 2,
		Prompt: "studio default",
	}, providers.NewFixedSelector[providers.TransitionSynth](synth), enc)
	lc := lastclip.NewCreator(lastclip.Settings{Duration: 4, MotionStyle: "zoom_in"}, enc)
	return NewOrchestrator(cb, ts, lc, render.NewRenderer(enc)), synth
}

func writePhotos(t *testing.T, dir string, n int) []string {
	t.Helper()
	paths := make([]string, n)
	for i := range paths {
		p := filepath.Join(dir, "photo_"+string(rune('a'+i))+".png")
		img := imaging.New(32, 32, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
		if err := imaging.Save(img, p); err != nil {
			t.Fatalf("save photo: %v", err)
		}
		paths[i] = p
	}
	return paths
}

func testRequest(t *testing.T, n int) Request {
	t.Helper()
	dir := t.TempDir()
	return Request{
		PhotoPaths:       writePhotos(t, dir, n),
		WorkDir:          dir,
		OutputPath:       filepath.Join(dir, "final.mp4"),
		AnimalDetection:  true,
		LastClipDuration: 4,
		LastClipMotion:   "zoom_in",
	}
}

func TestRunFullPipeline(t *testing.T) {
	enc := &stubEncoder{}
	o, _ := newTestOrchestrator(t, enc)
	rec := &recorder{}

	sum, err := o.Run(context.Background(), testRequest(t, 3), rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.PhotoCount != 3 || sum.TransitionCount != 2 {
		t.Fatalf("summary photos=%d transitions=%d", sum.PhotoCount, sum.TransitionCount)
	}
	if sum.CanvasFallbacks != 0 || sum.TransitionFallbacks != 0 {
		t.Fatalf("unexpected fallbacks: %+v", sum)
	}
	if enc.frameCalls != 2 || enc.stillCalls != 1 || enc.concatCalls != 1 {
		t.Fatalf("encoder calls frames=%d still=%d concat=%d", enc.frameCalls, enc.stillCalls, enc.concatCalls)
	}
	// Concat input is every transition followed by the closing clip.
	if len(enc.concatClips) != 3 {
		t.Fatalf("concat got %d clips, want 3", len(enc.concatClips))
	}
	if filepath.Base(enc.concatClips[0]) != "transition_000.mp4" ||
		filepath.Base(enc.concatClips[1]) != "transition_001.mp4" ||
		filepath.Base(enc.concatClips[2]) != "last_clip.mp4" {
		t.Fatalf("concat order %v", enc.concatClips)
	}
	if _, err := os.Stat(sum.OutputPath); err != nil {
		t.Fatalf("final video missing: %v", err)
	}
}

func TestRunProgressIsMonotonicWithinWeights(t *testing.T) {
	enc := &stubEncoder{}
	o, _ := newTestOrchestrator(t, enc)
	rec := &recorder{}

	if _, err := o.Run(context.Background(), testRequest(t, 4), rec); err != nil {
		t.Fatalf("run: %v", err)
	}
	prev := -1
	for i, p := range rec.percents {
		if p < prev {
			t.Fatalf("progress regressed at report %d: %v", i, rec.percents)
		}
		prev = p
	}
	last := rec.percents[len(rec.percents)-1]
	if last != 100 {
		t.Fatalf("final report %d, want 100", last)
	}
	// The closing clip starts at its 70 mark and the render at its 80 mark.
	found70, found80 := false, false
	for i, s := range rec.stages {
		if s == "last_clip" && rec.percents[i] == 70 {
			found70 = true
		}
		if s == "render" && rec.percents[i] == 80 {
			found80 = true
		}
	}
	if !found70 || !found80 {
		t.Fatalf("stage weight boundaries missing: stages=%v percents=%v", rec.stages, rec.percents)
	}
}

func TestRunForwardsTransitionPrompts(t *testing.T) {
	enc := &stubEncoder{}
	o, synth := newTestOrchestrator(t, enc)

	req := testRequest(t, 3)
	req.TransitionPrompt = "golden retriever in a sunny meadow"
	req.TransitionNegativePrompt = "text, watermark"
	if _, err := o.Run(context.Background(), req, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if synth.lastPrompt != req.TransitionPrompt {
		t.Fatalf("prompt %q, want %q", synth.lastPrompt, req.TransitionPrompt)
	}
	if synth.lastNegative != req.TransitionNegativePrompt {
		t.Fatalf("negative prompt %q, want %q", synth.lastNegative, req.TransitionNegativePrompt)
	}
}

func TestRunTransitionsUseConfiguredPromptByDefault(t *testing.T) {
	enc := &stubEncoder{}
	o, synth := newTestOrchestrator(t, enc)

	if _, err := o.Run(context.Background(), testRequest(t, 3), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if synth.lastPrompt != "studio default" {
		t.Fatalf("prompt %q, want the configured default", synth.lastPrompt)
	}
}

func TestRunRejectsTooFewPhotos(t *testing.T) {
	o, _ := newTestOrchestrator(t, &stubEncoder{})
	req := testRequest(t, 3)
	req.PhotoPaths = req.PhotoPaths[:1]

	_, err := o.Run(context.Background(), req, nil)
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("error %v is not a validation error", err)
	}
}

func TestRunCancelDuringTransitionsSkipsRender(t *testing.T) {
	enc := &stubEncoder{}
	o, _ := newTestOrchestrator(t, enc)
	// 4 photos report 4 canvas stages then 3 transition stages; cancelling
	// after the fifth report stops the run inside the transition loop.
	rec := &recorder{cancelAfter: 5}

	_, err := o.Run(context.Background(), testRequest(t, 4), rec)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err %v, want ErrCancelled", err)
	}
	if enc.concatCalls != 0 {
		t.Fatal("final render ran after cancellation")
	}
	if enc.stillCalls != 0 {
		t.Fatal("closing clip ran after cancellation")
	}
	if enc.frameCalls >= 3 {
		t.Fatalf("all %d transitions completed despite cancellation", enc.frameCalls)
	}
}

func TestRunFailsFastOnMissingPhoto(t *testing.T) {
	enc := &stubEncoder{}
	o, _ := newTestOrchestrator(t, enc)
	req := testRequest(t, 3)
	req.PhotoPaths[1] = filepath.Join(req.WorkDir, "missing.png")

	_, err := o.Run(context.Background(), req, nil)
	if err == nil {
		t.Fatal("missing photo must fail the run")
	}
	if enc.frameCalls != 0 || enc.concatCalls != 0 {
		t.Fatalf("later stages ran after canvas failure: frames=%d concat=%d", enc.frameCalls, enc.concatCalls)
	}
}
