package providers

import (
	"context"
	"errors"
	"image"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

// MirrorExtender fills canvas margins by reflecting the adjacent edge of the
// protected region. It is deterministic and synthesizes no new content, so
// stage executors route its output through the fallback path instead of
// accepting it as generation output.
type MirrorExtender struct{}

func (MirrorExtender) Name() string     { return "mirror" }
func (MirrorExtender) Generative() bool { return false }

// Extend reflects edge strips into the left/right margins. Margins wider
// than the protected region are covered by rescaling the reflected strip.
func (MirrorExtender) Extend(_ context.Context, base *image.NRGBA, geom CanvasGeometry, _ ExtendOptions) (*image.NRGBA, error) {
	bounds := base.Bounds()
	if bounds.Dx() != geom.Width || bounds.Dy() != geom.Height {
		return nil, errors.New("base size does not match canvas geometry")
	}
	out := imaging.Clone(base)

	fill := func(margin image.Rectangle, fromLeftEdge bool) {
		w := margin.Dx()
		if w <= 0 {
			return
		}
		strip := w
		if strip > geom.Protected.Dx() {
			strip = geom.Protected.Dx()
		}
		var src image.Rectangle
		if fromLeftEdge {
			src = image.Rect(geom.Protected.Min.X, 0, geom.Protected.Min.X+strip, geom.Height)
		} else {
			src = image.Rect(geom.Protected.Max.X-strip, 0, geom.Protected.Max.X, geom.Height)
		}
		mirrored := imaging.FlipH(imaging.Crop(base, src))
		if mirrored.Bounds().Dx() != w {
			scaled := image.NewNRGBA(image.Rect(0, 0, w, geom.Height))
			xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), mirrored, mirrored.Bounds(), xdraw.Src, nil)
			mirrored = scaled
		}
		out = imaging.Paste(out, mirrored, margin.Min)
	}

	fill(geom.LeftMargin(), true)
	fill(geom.RightMargin(), false)
	return out, nil
}

// NullDetector is the detector variant used when no model is wired. It
// reports itself unavailable so the content gate can fail closed under
// strict safety.
type NullDetector struct{}

func (NullDetector) Name() string    { return "null-detector" }
func (NullDetector) Available() bool { return false }

func (NullDetector) Detect(context.Context, *image.NRGBA) ([]Detection, error) {
	return nil, nil
}

// ClassicTransitionSynth produces a plain linear cross-fade between the two
// canvases. It is the deterministic substitute used when generative
// synthesis fails or is disabled.
type ClassicTransitionSynth struct{}

func (ClassicTransitionSynth) Name() string     { return "classic-crossfade" }
func (ClassicTransitionSynth) Generative() bool { return false }

// Synthesize blends a into b with a linear alpha ramp. Frame 0 is exactly a
// and the final frame exactly b.
func (ClassicTransitionSynth) Synthesize(ctx context.Context, a, b *image.NRGBA, spec TransitionSpec) ([]*image.NRGBA, error) {
	n := spec.FrameCount
	if n < 2 {
		return nil, errors.New("frame count must be at least 2")
	}
	frames := make([]*image.NRGBA, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch i {
		case 0:
			frames = append(frames, imaging.Clone(a))
		case n - 1:
			frames = append(frames, imaging.Clone(b))
		default:
			alpha := float64(i) / float64(n-1)
			frames = append(frames, imaging.Overlay(a, b, image.Pt(0, 0), alpha))
		}
	}
	return frames, nil
}
