package transition

import (
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"memorialtube/internal/providers"
)

type fakeSynth struct {
	name       string
	generative bool
	calls      int
	err        error
	// short yields fewer frames than requested to trip validation.
	short bool
}

func (s *fakeSynth) Name() string     { return s.name }
func (s *fakeSynth) Generative() bool { return s.generative }

func (s *fakeSynth) Synthesize(ctx context.Context, a, b *image.NRGBA, spec providers.TransitionSpec) ([]*image.NRGBA, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	n := spec.FrameCount
	if s.short {
		n = 1
	}
	frames := make([]*image.NRGBA, n)
	for i := range frames {
		frames[i] = imaging.New(spec.Width, spec.Height, color.NRGBA{R: uint8(i), A: 255})
	}
	return frames, nil
}

type fakeEncoder struct {
	frameCalls  int
	lastPattern string
	lastOutput  string
}

func (e *fakeEncoder) Version(context.Context) (string, error) { return "fake", nil }

func (e *fakeEncoder) StillClip(context.Context, string, string, int, string) error { return nil }

func (e *fakeEncoder) FramesToVideo(_ context.Context, pattern, output string) error {
	e.frameCalls++
	e.lastPattern = pattern
	e.lastOutput = output
	return nil
}

func (e *fakeEncoder) Concat(context.Context, []string, string, string, float64) error { return nil }

func testSettings() Settings {
	return Settings{Width: 64, Height: 48, FPS: 5, Duration: 2, MaxAttempts: 2}
}

func writeCanvas(t *testing.T, dir, name string, c color.NRGBA) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := imaging.Save(imaging.New(64, 48, c), path); err != nil {
		t.Fatalf("save canvas: %v", err)
	}
	return path
}

func testRequest(t *testing.T, dir string) Request {
	t.Helper()
	return Request{
		FromPath:   writeCanvas(t, dir, "from.png", color.NRGBA{R: 200, A: 255}),
		ToPath:     writeCanvas(t, dir, "to.png", color.NRGBA{B: 200, A: 255}),
		OutputPath: filepath.Join(dir, "transition.mp4"),
	}
}

func TestCreateAcceptsGeneratedFrames(t *testing.T) {
	dir := t.TempDir()
	synth := &fakeSynth{name: "gen", generative: true}
	enc := &fakeEncoder{}
	s := NewSynthesizer(testSettings(), providers.NewFixedSelector[providers.TransitionSynth](synth), enc)

	res, err := s.Create(context.Background(), testRequest(t, dir))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.UsedGeneration || res.FallbackApplied {
		t.Fatalf("flags generated=%t fallback=%t", res.UsedGeneration, res.FallbackApplied)
	}
	// 2 seconds at 5 fps
	if res.FrameCount != 10 {
		t.Fatalf("frame count %d, want 10", res.FrameCount)
	}
	if enc.frameCalls != 1 {
		t.Fatalf("encoder called %d times", enc.frameCalls)
	}
	if enc.lastOutput != res.OutputPath {
		t.Fatalf("encoded to %q, want %q", enc.lastOutput, res.OutputPath)
	}
}

func TestCreateFallsBackToCrossfadeAfterRepeatedFailures(t *testing.T) {
	dir := t.TempDir()
	synth := &fakeSynth{name: "gen", generative: true, err: errors.New("inference backend error")}
	enc := &fakeEncoder{}
	s := NewSynthesizer(testSettings(), providers.NewFixedSelector[providers.TransitionSynth](synth), enc)

	res, err := s.Create(context.Background(), testRequest(t, dir))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if synth.calls != 2 {
		t.Fatalf("synth called %d times, want the full attempt budget of 2", synth.calls)
	}
	if !res.FallbackApplied {
		t.Fatal("fallback not applied")
	}
	if res.FrameCount != 10 {
		t.Fatalf("fallback frame count %d, want 10", res.FrameCount)
	}
	if enc.frameCalls != 1 {
		t.Fatal("fallback frames were not encoded")
	}
}

func TestCreateRejectsDegenerateFrames(t *testing.T) {
	dir := t.TempDir()
	synth := &fakeSynth{name: "gen", generative: true, short: true}
	enc := &fakeEncoder{}
	s := NewSynthesizer(testSettings(), providers.NewFixedSelector[providers.TransitionSynth](synth), enc)

	res, err := s.Create(context.Background(), testRequest(t, dir))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.FallbackApplied {
		t.Fatal("degenerate output must fall back")
	}
	if res.FallbackReason != reasonDegenerate {
		t.Fatalf("reason %q, want %q", res.FallbackReason, reasonDegenerate)
	}
}

func TestCreateNonGenerativeProviderRoutesToFallback(t *testing.T) {
	dir := t.TempDir()
	enc := &fakeEncoder{}
	s := NewSynthesizer(testSettings(),
		providers.NewFixedSelector[providers.TransitionSynth](providers.ClassicTransitionSynth{}), enc)

	res, err := s.Create(context.Background(), testRequest(t, dir))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.FallbackApplied {
		t.Fatal("classic provider output must arrive via the fallback path")
	}
	if res.UsedGeneration {
		t.Fatal("no generation was attempted")
	}
	if res.Attempts != 0 {
		t.Fatalf("attempts %d, want 0", res.Attempts)
	}
	if res.Provider != "classic-crossfade" {
		t.Fatalf("provider %q", res.Provider)
	}
	if res.FrameCount != 10 {
		t.Fatalf("frame count %d, want 10", res.FrameCount)
	}
	if enc.frameCalls != 1 {
		t.Fatal("crossfade frames were not encoded")
	}
}

func TestCreateNonGenerativeProviderObservesCancellation(t *testing.T) {
	dir := t.TempDir()
	enc := &fakeEncoder{}
	s := NewSynthesizer(testSettings(),
		providers.NewFixedSelector[providers.TransitionSynth](providers.ClassicTransitionSynth{}), enc)

	req := testRequest(t, dir)
	req.Cancelled = func(context.Context) bool { return true }
	_, err := s.Create(context.Background(), req)
	if err != ErrCancelled {
		t.Fatalf("err %v, want ErrCancelled", err)
	}
	if enc.frameCalls != 0 {
		t.Fatalf("work performed after cancel: enc=%d", enc.frameCalls)
	}
}

func TestCreateDurationOverrideChangesFrameCount(t *testing.T) {
	dir := t.TempDir()
	synth := &fakeSynth{name: "gen", generative: true}
	s := NewSynthesizer(testSettings(), providers.NewFixedSelector[providers.TransitionSynth](synth), &fakeEncoder{})

	req := testRequest(t, dir)
	req.Duration = 6
	res, err := s.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.FrameCount != 30 {
		t.Fatalf("frame count %d, want 30 for 6s at 5 fps", res.FrameCount)
	}
}

func TestCreateDowngradesOnProviderLoadFailure(t *testing.T) {
	dir := t.TempDir()
	primary := &fakeSynth{name: "remote", generative: true, err: providers.ErrProviderLoad}
	secondary := &fakeSynth{name: "local", generative: true}
	enc := &fakeEncoder{}
	s := NewSynthesizer(testSettings(),
		providers.NewSelector[providers.TransitionSynth](primary, secondary, true), enc)

	res, err := s.Create(context.Background(), testRequest(t, dir))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("calls primary=%d secondary=%d, want 1/1", primary.calls, secondary.calls)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts %d, want 1", res.Attempts)
	}
	if res.Provider != "local" {
		t.Fatalf("provider %q, want local", res.Provider)
	}
}

func TestCreateObservesCancellation(t *testing.T) {
	dir := t.TempDir()
	synth := &fakeSynth{name: "gen", generative: true}
	enc := &fakeEncoder{}
	s := NewSynthesizer(testSettings(), providers.NewFixedSelector[providers.TransitionSynth](synth), enc)

	req := testRequest(t, dir)
	req.Cancelled = func(context.Context) bool { return true }
	_, err := s.Create(context.Background(), req)
	if err != ErrCancelled {
		t.Fatalf("err %v, want ErrCancelled", err)
	}
	if synth.calls != 0 || enc.frameCalls != 0 {
		t.Fatalf("work performed after cancel: synth=%d enc=%d", synth.calls, enc.frameCalls)
	}
}
