package canvas

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"memorialtube/internal/providers"
	"memorialtube/internal/safety"
)

type fakeExtender struct {
	name       string
	generative bool
	calls      int
	err        error
	tamper     bool
}

func (e *fakeExtender) Name() string     { return e.name }
func (e *fakeExtender) Generative() bool { return e.generative }

func (e *fakeExtender) Extend(_ context.Context, base *image.NRGBA, geom providers.CanvasGeometry, _ providers.ExtendOptions) (*image.NRGBA, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := imaging.Clone(base)
	if e.tamper {
		patch := imaging.New(geom.Protected.Dx(), geom.Protected.Dy(), color.NRGBA{R: 255, A: 255})
		out = imaging.Paste(out, patch, geom.Protected.Min)
	}
	return out, nil
}

type fakeDetector struct {
	available  bool
	detections []providers.Detection
	err        error
}

func (d fakeDetector) Name() string    { return "fake-detector" }
func (d fakeDetector) Available() bool { return d.available }

func (d fakeDetector) Detect(context.Context, *image.NRGBA) ([]providers.Detection, error) {
	return d.detections, d.err
}

func testSettings() Settings {
	return Settings{
		Width:                 400,
		Height:                200,
		MinWidthForGeneration: 10,
		BlurRadius:            2,
		EdgeBlendWidth:        16,
		MaxAttempts:           2,
		StrictSafety:          true,
		Thresholds:            safety.DefaultThresholds(),
	}
}

// writePhoto saves a uniform square source so that the composed canvas and a
// cloned candidate sail through every pixel gate.
func writePhoto(t *testing.T, dir string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, "photo.png")
	img := imaging.New(w, h, color.NRGBA{R: 120, G: 120, B: 120, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save photo: %v", err)
	}
	return path
}

func TestBuildAcceptsCleanGeneration(t *testing.T) {
	dir := t.TempDir()
	ext := &fakeExtender{name: "gen", generative: true}
	b := NewBuilder(testSettings(),
		providers.NewFixedSelector[providers.CanvasExtender](ext),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: true}))

	res, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 100, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !res.UsedOutpaint || res.FallbackApplied || !res.SafetyPassed {
		t.Fatalf("flags outpaint=%t fallback=%t safety=%t, want true/false/true",
			res.UsedOutpaint, res.FallbackApplied, res.SafetyPassed)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts %d, want 1", res.Attempts)
	}
	if res.Provider != "gen" {
		t.Fatalf("provider %q", res.Provider)
	}
	if _, err := imaging.Open(res.OutputPath); err != nil {
		t.Fatalf("output not written: %v", err)
	}
}

func TestBuildDetectorUnavailableStrictFallsBackWithoutRetry(t *testing.T) {
	dir := t.TempDir()
	ext := &fakeExtender{name: "gen", generative: true}
	b := NewBuilder(testSettings(),
		providers.NewFixedSelector[providers.CanvasExtender](ext),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: false}))

	res, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 100, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !res.FallbackApplied {
		t.Fatal("fallback not applied")
	}
	if res.FallbackReason != safety.ReasonDetectorUnavailable {
		t.Fatalf("reason %q, want %q", res.FallbackReason, safety.ReasonDetectorUnavailable)
	}
	if ext.calls != 1 {
		t.Fatalf("extender called %d times, want 1 (no retry on unavailable detector)", ext.calls)
	}
	if _, err := imaging.Open(res.OutputPath); err != nil {
		t.Fatalf("fallback output not written: %v", err)
	}
}

func TestBuildRetriesThenFallsBackOnGateFailure(t *testing.T) {
	dir := t.TempDir()
	ext := &fakeExtender{name: "gen", generative: true, tamper: true}
	b := NewBuilder(testSettings(),
		providers.NewFixedSelector[providers.CanvasExtender](ext),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: true}))

	res, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 100, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ext.calls != 2 {
		t.Fatalf("extender called %d times, want the full attempt budget of 2", ext.calls)
	}
	if !res.FallbackApplied || res.SafetyPassed {
		t.Fatalf("flags fallback=%t safety=%t, want true/false", res.FallbackApplied, res.SafetyPassed)
	}
	if res.FallbackReason != safety.ReasonProtectedRegion {
		t.Fatalf("reason %q, want %q", res.FallbackReason, safety.ReasonProtectedRegion)
	}
}

func TestBuildSkipsOutpaintByWidthPolicy(t *testing.T) {
	dir := t.TempDir()
	ext := &fakeExtender{name: "gen", generative: true}
	b := NewBuilder(testSettings(),
		providers.NewFixedSelector[providers.CanvasExtender](ext),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: true}))

	// A wide source fills the whole canvas width, leaving no margin to fill.
	res, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 800, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ext.calls != 0 {
		t.Fatalf("extender called %d times, want 0", ext.calls)
	}
	if res.UsedOutpaint || !res.FallbackApplied || !res.SafetyPassed {
		t.Fatalf("flags outpaint=%t fallback=%t safety=%t", res.UsedOutpaint, res.FallbackApplied, res.SafetyPassed)
	}
}

func TestBuildNonGenerativeProviderRoutesToSafePadding(t *testing.T) {
	dir := t.TempDir()
	ext := &fakeExtender{name: "mirror", generative: false}
	b := NewBuilder(testSettings(),
		providers.NewFixedSelector[providers.CanvasExtender](ext),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: true}))

	res, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 100, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ext.calls != 0 {
		t.Fatalf("non-generative extender invoked %d times", ext.calls)
	}
	if res.UsedOutpaint || !res.FallbackApplied {
		t.Fatalf("flags outpaint=%t fallback=%t", res.UsedOutpaint, res.FallbackApplied)
	}
	if res.Provider != "mirror" {
		t.Fatalf("provider %q", res.Provider)
	}
}

// writeSplitPhoto saves a source whose leftmost columns are red so the
// mirror fill is distinguishable from the blurred background.
func writeSplitPhoto(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "split.png")
	img := imaging.New(100, 100, color.NRGBA{B: 255, A: 255})
	band := imaging.New(10, 100, color.NRGBA{R: 255, A: 255})
	img = imaging.Paste(img, band, image.Pt(0, 0))
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save photo: %v", err)
	}
	return path
}

func TestBuildFallbackMirrorsProtectedEdgesIntoMargins(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings()
	// No blur or edge blending so the margin pixels are the raw mirror fill.
	settings.BlurRadius = 0
	settings.EdgeBlendWidth = 0
	b := NewBuilder(settings,
		providers.NewFixedSelector[providers.CanvasExtender](&fakeExtender{name: "mirror", generative: false}),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: true}))

	res, err := b.Build(context.Background(), Request{
		InputPath:       writeSplitPhoto(t, dir),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := imaging.Open(res.OutputPath)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	// The 100px photo sits at x=150..250; mirroring its red left edge puts
	// red at the right end of the left margin, where the plain background
	// fill would be blue.
	c := imaging.Clone(out).NRGBAAt(146, 100)
	if c.R <= c.B {
		t.Fatalf("left margin pixel %+v is not mirror-filled", c)
	}
}

func TestBuildDowngradesOnProviderLoadFailure(t *testing.T) {
	dir := t.TempDir()
	primary := &fakeExtender{name: "remote", generative: true, err: providers.ErrProviderLoad}
	secondary := &fakeExtender{name: "local", generative: true}
	b := NewBuilder(testSettings(),
		providers.NewSelector[providers.CanvasExtender](primary, secondary, true),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: true}))

	res, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 100, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("calls primary=%d secondary=%d, want 1/1", primary.calls, secondary.calls)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts %d, want 1 (downgrade does not consume an attempt)", res.Attempts)
	}
	if !res.UsedOutpaint || res.FallbackApplied {
		t.Fatalf("flags outpaint=%t fallback=%t", res.UsedOutpaint, res.FallbackApplied)
	}
	if res.Provider != "local" {
		t.Fatalf("provider %q, want local", res.Provider)
	}
}

func TestBuildAnimalDetectionOptOutSkipsContentGate(t *testing.T) {
	dir := t.TempDir()
	ext := &fakeExtender{name: "gen", generative: true}
	// The detector is unavailable, which under strict safety would reject
	// generation. With detection opted out the content gate never runs.
	b := NewBuilder(testSettings(),
		providers.NewFixedSelector[providers.CanvasExtender](ext),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: false}))

	res, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 100, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: false,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !res.UsedOutpaint || res.FallbackApplied || !res.SafetyPassed {
		t.Fatalf("flags outpaint=%t fallback=%t safety=%t, want true/false/true",
			res.UsedOutpaint, res.FallbackApplied, res.SafetyPassed)
	}
}

func TestBuildObservesCancellation(t *testing.T) {
	dir := t.TempDir()
	ext := &fakeExtender{name: "gen", generative: true}
	b := NewBuilder(testSettings(),
		providers.NewFixedSelector[providers.CanvasExtender](ext),
		providers.NewFixedSelector[providers.Detector](fakeDetector{available: true}))

	_, err := b.Build(context.Background(), Request{
		InputPath:       writePhoto(t, dir, 100, 100),
		OutputPath:      filepath.Join(dir, "canvas.png"),
		AnimalDetection: true,
		Cancelled:       func(context.Context) bool { return true },
	})
	if err != ErrCancelled {
		t.Fatalf("err %v, want ErrCancelled", err)
	}
	if ext.calls != 0 {
		t.Fatalf("extender called %d times after cancel", ext.calls)
	}
}
