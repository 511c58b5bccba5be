// Package safety implements the composable validators applied to a canvas
// generation result before it is accepted. Gates are pure functions of the
// base canvas, the candidate and the canvas geometry; they are evaluated in
// a fixed order and the first failing gate supplies the authoritative
// fallback reason.
package safety

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"memorialtube/internal/providers"
)

// Reasons reported by the canvas gates. These strings are stable: they are
// surfaced in job result messages and compared by callers.
const (
	ReasonProtectedRegion     = "protected_region_violation"
	ReasonUnexpectedSubject   = "unexpected_subject_in_generated_region"
	ReasonDetectorUnavailable = "detector_unavailable_strict_mode"
	ReasonSeam                = "seam_discontinuity"
	ReasonTone                = "tone_texture_divergence"
)

// Result is one gate verdict. Reason is a stable constant; Detail carries
// the measured values for diagnostics.
type Result struct {
	OK     bool
	Reason string
	Detail string
}

func pass() Result { return Result{OK: true} }

func fail(reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Thresholds are the tunable limits for the pixel gates.
type Thresholds struct {
	ProtectedMaxChangedRatio float64
	ProtectedDiffThreshold   int
	SeamMaxMeanDiff          float64
	SeamMaxP95Diff           float64
	SeamMinPairCount         int
	ToneMaxMeanDelta         float64
	ToneMaxStdDelta          float64
	ToneRefBandWidth         int
	ToneMinPixelsPerSide     int
}

// DefaultThresholds mirror the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ProtectedMaxChangedRatio: 0.001,
		ProtectedDiffThreshold:   8,
		SeamMaxMeanDiff:          34,
		SeamMaxP95Diff:           86,
		SeamMinPairCount:         120,
		ToneMaxMeanDelta:         0.26,
		ToneMaxStdDelta:          0.36,
		ToneRefBandWidth:         72,
		ToneMinPixelsPerSide:     1800,
	}
}

// Input is what every canvas gate sees.
type Input struct {
	Base      *image.NRGBA
	Candidate *image.NRGBA
	Geometry  providers.CanvasGeometry
}

// Gate is one named validator.
type Gate struct {
	Name  string
	Check func(ctx context.Context, in Input) Result
}

// CanvasGates returns the gate set for the canvas stage in its fixed
// evaluation order: protected region, generated-region content, seam
// continuity, tone/texture consistency.
func CanvasGates(detector providers.Detector, strict bool, th Thresholds) []Gate {
	return []Gate{
		{Name: "protected_region", Check: func(_ context.Context, in Input) Result {
			return checkProtectedRegion(in, th)
		}},
		{Name: "generated_content", Check: func(ctx context.Context, in Input) Result {
			return checkGeneratedContent(ctx, in, detector, strict)
		}},
		{Name: "seam_continuity", Check: func(_ context.Context, in Input) Result {
			return checkSeamContinuity(in, th)
		}},
		{Name: "tone_texture", Check: func(_ context.Context, in Input) Result {
			return checkToneTexture(in, th)
		}},
	}
}

// Evaluate runs the gates in order and returns the first failure, or a
// passing result when every gate passes.
func Evaluate(ctx context.Context, gates []Gate, in Input) Result {
	for _, g := range gates {
		if res := g.Check(ctx, in); !res.OK {
			return res
		}
	}
	return pass()
}

// checkProtectedRegion verifies the candidate reproduces the base pixels
// inside the protected rectangle within tolerance.
func checkProtectedRegion(in Input, th Thresholds) Result {
	region := in.Geometry.Protected
	if region.Empty() {
		return fail(ReasonProtectedRegion, "protected region is empty")
	}
	if !sameSize(in.Base, in.Candidate) {
		return fail(ReasonProtectedRegion, "base and candidate size mismatch")
	}

	changed, total := 0, 0
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			total++
			if pixelDiff(in.Base, in.Candidate, x, y) > th.ProtectedDiffThreshold {
				changed++
			}
		}
	}
	if total == 0 {
		return fail(ReasonProtectedRegion, "protected region is empty")
	}
	ratio := float64(changed) / float64(total)
	if ratio > th.ProtectedMaxChangedRatio {
		return fail(ReasonProtectedRegion,
			fmt.Sprintf("changed ratio %.6f exceeds %.6f", ratio, th.ProtectedMaxChangedRatio))
	}
	return pass()
}

// checkGeneratedContent runs the detector over the generated side margins
// only. An unavailable detector fails closed under strict safety.
func checkGeneratedContent(ctx context.Context, in Input, detector providers.Detector, strict bool) Result {
	margins := marginRects(in.Geometry)
	if len(margins) == 0 {
		return pass()
	}
	if detector == nil || !detector.Available() {
		if strict {
			return fail(ReasonDetectorUnavailable, "detector unavailable in strict mode")
		}
		return pass()
	}
	for _, margin := range margins {
		crop := imaging.Crop(in.Candidate, margin)
		detections, err := detector.Detect(ctx, crop)
		if err != nil {
			// A detector that cannot answer is treated like an
			// unavailable one.
			if strict {
				return fail(ReasonDetectorUnavailable, err.Error())
			}
			continue
		}
		if len(detections) > 0 {
			d := detections[0]
			return fail(ReasonUnexpectedSubject,
				fmt.Sprintf("%s(%.2f) in generated margin", d.Label, d.Confidence))
		}
	}
	return pass()
}

// checkSeamContinuity measures pixel discontinuity across the two vertical
// boundaries between generated margins and the protected region.
func checkSeamContinuity(in Input, th Thresholds) Result {
	p := in.Geometry.Protected
	var diffs []float64

	collect := func(x int) {
		if x <= 0 || x >= in.Geometry.Width {
			return
		}
		for y := 0; y < in.Geometry.Height; y++ {
			diffs = append(diffs, float64(neighborDiff(in.Candidate, x, y)))
		}
	}
	if p.Min.X > 0 {
		collect(p.Min.X)
	}
	if p.Max.X < in.Geometry.Width {
		collect(p.Max.X)
	}
	if len(diffs) < th.SeamMinPairCount {
		return pass()
	}

	mean := meanOf(diffs)
	p95 := percentile(diffs, 95)
	if mean > th.SeamMaxMeanDiff || p95 > th.SeamMaxP95Diff {
		return fail(ReasonSeam,
			fmt.Sprintf("mean %.2f (limit %.2f), p95 %.2f (limit %.2f)",
				mean, th.SeamMaxMeanDiff, p95, th.SeamMaxP95Diff))
	}
	return pass()
}

// checkToneTexture compares per-channel mean/stddev of each generated margin
// against a reference band just inside the protected region.
func checkToneTexture(in Input, th Thresholds) Result {
	p := in.Geometry.Protected
	band := th.ToneRefBandWidth
	if band <= 0 {
		band = 72
	}

	type side struct {
		name    string
		gen     image.Rectangle
		ref     image.Rectangle
		present bool
	}
	sides := []side{
		{
			name:    "left",
			gen:     in.Geometry.LeftMargin(),
			ref:     image.Rect(p.Min.X, 0, min(p.Max.X, p.Min.X+band), in.Geometry.Height),
			present: p.Min.X > 0,
		},
		{
			name:    "right",
			gen:     in.Geometry.RightMargin(),
			ref:     image.Rect(max(p.Min.X, p.Max.X-band), 0, p.Max.X, in.Geometry.Height),
			present: p.Max.X < in.Geometry.Width,
		},
	}

	for _, s := range sides {
		if !s.present {
			continue
		}
		genMean, genStd, genCount := regionStats(in.Candidate, s.gen)
		refMean, refStd, refCount := regionStats(in.Candidate, s.ref)
		if genCount < th.ToneMinPixelsPerSide || refCount < th.ToneMinPixelsPerSide {
			continue
		}
		meanDelta := vecDist(genMean, refMean) / 255.0
		stdDelta := vecDist(genStd, refStd) / 255.0
		if meanDelta > th.ToneMaxMeanDelta || stdDelta > th.ToneMaxStdDelta {
			return fail(ReasonTone,
				fmt.Sprintf("%s margin mean delta %.4f (limit %.4f), std delta %.4f (limit %.4f)",
					s.name, meanDelta, th.ToneMaxMeanDelta, stdDelta, th.ToneMaxStdDelta))
		}
	}
	return pass()
}

func marginRects(geom providers.CanvasGeometry) []image.Rectangle {
	var out []image.Rectangle
	if r := geom.LeftMargin(); r.Dx() > 0 {
		out = append(out, r)
	}
	if r := geom.RightMargin(); r.Dx() > 0 {
		out = append(out, r)
	}
	return out
}

func sameSize(a, b *image.NRGBA) bool {
	return a.Bounds().Dx() == b.Bounds().Dx() && a.Bounds().Dy() == b.Bounds().Dy()
}

// pixelDiff returns the maximum absolute per-channel difference between the
// same pixel of two images.
func pixelDiff(a, b *image.NRGBA, x, y int) int {
	oa := a.PixOffset(a.Bounds().Min.X+x, a.Bounds().Min.Y+y)
	ob := b.PixOffset(b.Bounds().Min.X+x, b.Bounds().Min.Y+y)
	return channelDiff(a.Pix[oa:oa+3], b.Pix[ob:ob+3])
}

// neighborDiff returns the maximum absolute per-channel difference between
// pixel (x-1,y) and (x,y) of one image.
func neighborDiff(img *image.NRGBA, x, y int) int {
	left := img.PixOffset(img.Bounds().Min.X+x-1, img.Bounds().Min.Y+y)
	right := img.PixOffset(img.Bounds().Min.X+x, img.Bounds().Min.Y+y)
	return channelDiff(img.Pix[left:left+3], img.Pix[right:right+3])
}

func channelDiff(a, b []uint8) int {
	maxd := 0
	for c := 0; c < 3; c++ {
		d := int(a[c]) - int(b[c])
		if d < 0 {
			d = -d
		}
		if d > maxd {
			maxd = d
		}
	}
	return maxd
}

// regionStats returns per-channel mean and stddev over a rectangle.
func regionStats(img *image.NRGBA, region image.Rectangle) (mean, std [3]float64, count int) {
	var sum, sumSq [3]float64
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			o := img.PixOffset(img.Bounds().Min.X+x, img.Bounds().Min.Y+y)
			for c := 0; c < 3; c++ {
				v := float64(img.Pix[o+c])
				sum[c] += v
				sumSq[c] += v * v
			}
			count++
		}
	}
	if count == 0 {
		return mean, std, 0
	}
	for c := 0; c < 3; c++ {
		mean[c] = sum[c] / float64(count)
		variance := sumSq[c]/float64(count) - mean[c]*mean[c]
		if variance > 0 {
			std[c] = math.Sqrt(variance)
		}
	}
	return mean, std, count
}

func vecDist(a, b [3]float64) float64 {
	var sum float64
	for c := 0; c < 3; c++ {
		d := a[c] - b[c]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func percentile(vals []float64, pct float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
