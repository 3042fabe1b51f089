// Package restore holds the image-analysis half of the worker pipeline:
// a degradation classifier scoring seven defect kinds and a prompt
// enhancer that turns those scores into a bounded provider instruction.
package restore

import (
	"image"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
)

// Degradation kinds. Scores live in [0,1].
const (
	KindBlur        = "blur"
	KindNoise       = "noise"
	KindLowLight    = "low-light"
	KindCompression = "compression"
	KindScratch     = "scratch"
	KindFade        = "fade"
	KindColorShift  = "color-shift"
)

// Kinds lists every degradation kind in output order.
var Kinds = []string{
	KindBlur, KindNoise, KindLowLight, KindCompression,
	KindScratch, KindFade, KindColorShift,
}

const (
	// analysisMaxDim bounds the working copy; statistics are scale-stable
	// enough at this size and the pass stays cheap.
	analysisMaxDim = 256

	// fallbackScore is emitted when a detector cannot run. Zero claims no
	// degradation, which keeps the downstream prompt subtle.
	fallbackScore = 0.0

	blurVarScale       = 0.01
	noiseStdScale      = 0.08
	lowLightThreshold  = 0.3
	scratchGradHigh    = 0.35
	scratchGradLow     = 0.12
	scratchDensityGain = 18.0
	colorfulnessScale  = 0.3
	contrastScale      = 0.25
	colorShiftScale    = 0.15
)

// Classify scores the seven degradation kinds for one image.
// sourceFormat is the sniffed input format; compression scoring applies
// to JPEG sources only. The returned map always carries all seven keys.
func Classify(img image.Image, sourceFormat string) map[string]float64 {
	scores := make(map[string]float64, len(Kinds))
	for _, k := range Kinds {
		scores[k] = fallbackScore
	}

	small := imaging.Fit(img, analysisMaxDim, analysisMaxDim, imaging.Box)
	luma, rgb := extractPlanes(small)
	if luma.w < 3 || luma.h < 3 {
		slog.Warn("degradation classifier skipped, image too small",
			slog.Int("width", luma.w), slog.Int("height", luma.h))
		return scores
	}

	scores[KindBlur] = scoreBlur(luma)
	scores[KindNoise] = scoreNoise(luma)
	scores[KindLowLight] = scoreLowLight(luma)
	if sourceFormat == "jpeg" {
		scores[KindCompression] = scoreCompression(luma)
	}
	scores[KindScratch] = scoreScratch(luma)
	scores[KindFade] = scoreFade(luma, rgb)
	scores[KindColorShift] = scoreColorShift(rgb)
	return scores
}

// plane is a single-channel float image in [0,1].
type plane struct {
	w, h int
	pix  []float64
}

func newPlane(w, h int) plane {
	return plane{w: w, h: h, pix: make([]float64, w*h)}
}

func (p plane) at(x, y int) float64 { return p.pix[y*p.w+x] }

type rgbPlanes struct {
	r, g, b plane
}

func extractPlanes(img *image.NRGBA) (plane, rgbPlanes) {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	luma := newPlane(w, h)
	rgb := rgbPlanes{r: newPlane(w, h), g: newPlane(w, h), b: newPlane(w, h)}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r := float64(row[x*4]) / 255
			g := float64(row[x*4+1]) / 255
			b := float64(row[x*4+2]) / 255
			i := y*w + x
			rgb.r.pix[i] = r
			rgb.g.pix[i] = g
			rgb.b.pix[i] = b
			luma.pix[i] = 0.299*r + 0.587*g + 0.114*b
		}
	}
	return luma, rgb
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func mean(p plane) float64 {
	var sum float64
	for _, v := range p.pix {
		sum += v
	}
	return sum / float64(len(p.pix))
}

func variance(p plane) float64 {
	m := mean(p)
	var sum float64
	for _, v := range p.pix {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(p.pix))
}

// boxBlur3 is a 3x3 mean filter with clamped edges.
func boxBlur3(p plane) plane {
	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var sum float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					xx := min(max(x+dx, 0), p.w-1)
					yy := min(max(y+dy, 0), p.h-1)
					sum += p.at(xx, yy)
				}
			}
			out.pix[y*p.w+x] = sum / 9
		}
	}
	return out
}

// laplacian computes the 4-neighbour Laplacian over interior pixels.
func laplacian(p plane) plane {
	out := newPlane(p.w-2, p.h-2)
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			v := p.at(x, y-1) + p.at(x-1, y) + p.at(x+1, y) + p.at(x, y+1) - 4*p.at(x, y)
			out.pix[(y-1)*out.w+(x-1)] = v
		}
	}
	return out
}

// scoreBlur inverts normalized Laplacian variance: sharp detail produces
// a strong response, so a weak response reads as blur.
func scoreBlur(luma plane) float64 {
	v := variance(laplacian(luma))
	return clamp01(1 - v/blurVarScale)
}

// scoreNoise measures the spread of the high-pass residual.
func scoreNoise(luma plane) float64 {
	blurred := boxBlur3(luma)
	residual := newPlane(luma.w, luma.h)
	for i := range luma.pix {
		residual.pix[i] = luma.pix[i] - blurred.pix[i]
	}
	return clamp01(math.Sqrt(variance(residual)) / noiseStdScale)
}

// scoreLowLight ramps below the luminance threshold and is zero above.
func scoreLowLight(luma plane) float64 {
	m := mean(luma)
	if m >= lowLightThreshold {
		return 0
	}
	return clamp01((lowLightThreshold - m) / lowLightThreshold)
}

// scoreCompression reads blockiness as the share of variance removed by
// a light blur; ringing and block edges are exactly what it removes.
func scoreCompression(luma plane) float64 {
	v0 := variance(luma)
	if v0 < 1e-9 {
		return 0
	}
	v1 := variance(boxBlur3(luma))
	return clamp01((v0 - v1) / v0)
}

// scoreScratch samples a grid and counts pixels whose gradient is strong
// along one axis and weak along the other, the signature of a linear
// defect.
func scoreScratch(luma plane) float64 {
	var samples, hits int
	for y := 1; y < luma.h-1; y += 2 {
		for x := 1; x < luma.w-1; x += 2 {
			samples++
			dx := math.Abs(luma.at(x+1, y) - luma.at(x-1, y))
			dy := math.Abs(luma.at(x, y+1) - luma.at(x, y-1))
			if (dx > scratchGradHigh && dy < scratchGradLow) ||
				(dy > scratchGradHigh && dx < scratchGradLow) {
				hits++
			}
		}
	}
	if samples == 0 {
		return fallbackScore
	}
	return clamp01(float64(hits) / float64(samples) * scratchDensityGain)
}

// scoreFade combines lost colorfulness with lost contrast.
func scoreFade(luma plane, rgb rgbPlanes) float64 {
	colorfulness := clamp01(colorfulnessMetric(rgb) / colorfulnessScale)
	contrast := clamp01(math.Sqrt(variance(luma)) / contrastScale)
	return clamp01(0.6*(1-colorfulness) + 0.4*(1-contrast))
}

// colorfulnessMetric follows the opponent-axis statistic: spread plus
// distance-from-neutral of rg and yb.
func colorfulnessMetric(rgb rgbPlanes) float64 {
	n := len(rgb.r.pix)
	rg := newPlane(rgb.r.w, rgb.r.h)
	yb := newPlane(rgb.r.w, rgb.r.h)
	for i := 0; i < n; i++ {
		rg.pix[i] = rgb.r.pix[i] - rgb.g.pix[i]
		yb.pix[i] = 0.5*(rgb.r.pix[i]+rgb.g.pix[i]) - rgb.b.pix[i]
	}
	stdRG := math.Sqrt(variance(rg))
	stdYB := math.Sqrt(variance(yb))
	meanRG := mean(rg)
	meanYB := mean(yb)
	return math.Sqrt(stdRG*stdRG+stdYB*stdYB) + 0.3*math.Sqrt(meanRG*meanRG+meanYB*meanYB)
}

// scoreColorShift scales the largest per-channel deviation from the
// cross-channel mean.
func scoreColorShift(rgb rgbPlanes) float64 {
	mr := mean(rgb.r)
	mg := mean(rgb.g)
	mb := mean(rgb.b)
	gray := (mr + mg + mb) / 3
	dev := math.Max(math.Abs(mr-gray), math.Max(math.Abs(mg-gray), math.Abs(mb-gray)))
	return clamp01(dev / colorShiftScale)
}
