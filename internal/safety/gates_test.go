package safety

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"memorialtube/internal/providers"
)

const (
	testW = 400
	testH = 200
)

// testGeometry centers a 200px-wide protected region on the 400px canvas.
func testGeometry() providers.CanvasGeometry {
	return providers.CanvasGeometry{
		Width:     testW,
		Height:    testH,
		Protected: image.Rect(100, 0, 300, testH),
	}
}

func uniform(c color.NRGBA) *image.NRGBA {
	return imaging.New(testW, testH, c)
}

// paint fills a rectangle of img with a color.
func paint(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

type stubDetector struct {
	available  bool
	detections []providers.Detection
	err        error
}

func (stubDetector) Name() string        { return "stub" }
func (d stubDetector) Available() bool   { return d.available }
func (d stubDetector) Detect(context.Context, *image.NRGBA) ([]providers.Detection, error) {
	return d.detections, d.err
}

func evaluate(t *testing.T, detector providers.Detector, strict bool, base, candidate *image.NRGBA) Result {
	t.Helper()
	gates := CanvasGates(detector, strict, DefaultThresholds())
	return Evaluate(context.Background(), gates, Input{
		Base:      base,
		Candidate: candidate,
		Geometry:  testGeometry(),
	})
}

func TestAllGatesPass(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(grey)

	res := evaluate(t, stubDetector{available: true}, true, base, candidate)
	if !res.OK {
		t.Fatalf("expected pass, got %s (%s)", res.Reason, res.Detail)
	}
}

func TestProtectedRegionViolation(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(grey)
	// Overwrite a chunk of the protected region well past the diff threshold.
	paint(candidate, image.Rect(150, 50, 250, 150), color.NRGBA{250, 10, 10, 255})

	res := evaluate(t, stubDetector{available: true}, true, base, candidate)
	if res.OK || res.Reason != ReasonProtectedRegion {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonProtectedRegion)
	}
}

func TestUnexpectedSubjectInMargin(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(grey)

	detector := stubDetector{
		available:  true,
		detections: []providers.Detection{{Label: "dog", Confidence: 0.92}},
	}
	res := evaluate(t, detector, true, base, candidate)
	if res.OK || res.Reason != ReasonUnexpectedSubject {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonUnexpectedSubject)
	}
}

func TestDetectorUnavailableStrictMode(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(grey)

	res := evaluate(t, stubDetector{available: false}, true, base, candidate)
	if res.OK || res.Reason != ReasonDetectorUnavailable {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonDetectorUnavailable)
	}

	// Lenient mode skips the content gate instead of failing closed.
	res = evaluate(t, stubDetector{available: false}, false, base, candidate)
	if !res.OK {
		t.Fatalf("lenient mode must pass, got %s", res.Reason)
	}
}

func TestDetectorErrorStrictMode(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(grey)

	detector := stubDetector{available: true, err: errors.New("timeout")}
	res := evaluate(t, detector, true, base, candidate)
	if res.OK || res.Reason != ReasonDetectorUnavailable {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonDetectorUnavailable)
	}
}

func TestSeamDiscontinuity(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(grey)
	// Hard edge at the left protected boundary across the full height.
	paint(candidate, image.Rect(0, 0, 100, testH), color.NRGBA{245, 245, 245, 255})

	res := evaluate(t, stubDetector{available: true}, true, base, candidate)
	if res.OK || res.Reason != ReasonSeam {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonSeam)
	}
}

func TestToneTextureDivergence(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(grey)
	// Drift the left margin far in tone but blend the seam column band so
	// the seam gate keeps passing: a smooth ramp over the margin.
	for x := 0; x < 100; x++ {
		v := uint8(120 + (100-x)*100/100)
		paint(candidate, image.Rect(x, 0, x+1, testH), color.NRGBA{v, v, v, 255})
	}

	res := evaluate(t, stubDetector{available: true}, true, base, candidate)
	if res.OK || res.Reason != ReasonTone {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonTone)
	}
}

// The gate order is fixed: when several gates would fail, the first in
// order supplies the reason.
func TestFirstFailingGateWins(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := uniform(color.NRGBA{250, 10, 10, 255}) // violates everything

	detector := stubDetector{
		available:  true,
		detections: []providers.Detection{{Label: "dog", Confidence: 0.92}},
	}
	res := evaluate(t, detector, true, base, candidate)
	if res.Reason != ReasonProtectedRegion {
		t.Fatalf("reason = %q, want %q first", res.Reason, ReasonProtectedRegion)
	}
}

func TestSizeMismatchFailsProtectedGate(t *testing.T) {
	grey := color.NRGBA{120, 120, 120, 255}
	base := uniform(grey)
	candidate := imaging.New(testW/2, testH, grey)

	res := evaluate(t, stubDetector{available: true}, true, base, candidate)
	if res.OK || res.Reason != ReasonProtectedRegion {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonProtectedRegion)
	}
}
