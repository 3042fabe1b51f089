package restore

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestClassifyReturnsAllKinds(t *testing.T) {
	scores := Classify(flatImage(16, 16, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), "png")
	require.Len(t, scores, len(Kinds))
	for _, k := range Kinds {
		v, ok := scores[k]
		require.True(t, ok, "missing kind %s", k)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestClassifyTinyImageFallsBack(t *testing.T) {
	scores := Classify(flatImage(2, 2, color.NRGBA{R: 10, G: 10, B: 10, A: 255}), "jpeg")
	for _, k := range Kinds {
		assert.Zero(t, scores[k], "kind %s should fall back", k)
	}
}

func TestClassifyLowLight(t *testing.T) {
	dark := Classify(flatImage(32, 32, color.NRGBA{R: 38, G: 38, B: 38, A: 255}), "png")
	assert.InDelta(t, 0.5, dark[KindLowLight], 0.03)

	bright := Classify(flatImage(32, 32, color.NRGBA{R: 200, G: 200, B: 200, A: 255}), "png")
	assert.Zero(t, bright[KindLowLight])
}

func TestClassifyBlurOnFlatAndCheckerboard(t *testing.T) {
	flat := Classify(flatImage(32, 32, color.NRGBA{R: 120, G: 120, B: 120, A: 255}), "png")
	assert.InDelta(t, 1.0, flat[KindBlur], 0.001)

	checker := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			checker.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	scores := Classify(checker, "png")
	assert.Less(t, scores[KindBlur], 0.05)
}

func TestClassifyNoise(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(128 + rnd.Intn(153) - 76)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	noisy := Classify(img, "png")
	assert.GreaterOrEqual(t, noisy[KindNoise], 0.8)

	clean := Classify(flatImage(64, 64, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), "png")
	assert.Zero(t, clean[KindNoise])
}

func TestClassifyCompressionOnlyForJPEG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(51)
			if ((x/8)+(y/8))%2 == 0 {
				v = 204
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	asJPEG := Classify(img, "jpeg")
	assert.Greater(t, asJPEG[KindCompression], 0.2)

	asPNG := Classify(img, "png")
	assert.Zero(t, asPNG[KindCompression])
}

func TestClassifyScratches(t *testing.T) {
	img := flatImage(64, 64, color.NRGBA{R: 30, G: 30, B: 30, A: 255})
	for _, lineX := range []int{8, 24, 40, 56} {
		for y := 0; y < 64; y++ {
			img.SetNRGBA(lineX, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	scores := Classify(img, "png")
	assert.GreaterOrEqual(t, scores[KindScratch], 0.5)

	plain := Classify(flatImage(64, 64, color.NRGBA{R: 30, G: 30, B: 30, A: 255}), "png")
	assert.Zero(t, plain[KindScratch])
}

func TestClassifyFade(t *testing.T) {
	gray := Classify(flatImage(32, 32, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), "png")
	assert.GreaterOrEqual(t, gray[KindFade], 0.9)

	vivid := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			c := color.NRGBA{R: 255, A: 255}
			if x >= 16 {
				c = color.NRGBA{B: 255, A: 255}
			}
			vivid.SetNRGBA(x, y, c)
		}
	}
	scores := Classify(vivid, "png")
	assert.Less(t, scores[KindFade], 0.3)
}

func TestClassifyColorShift(t *testing.T) {
	tinted := Classify(flatImage(32, 32, color.NRGBA{R: 51, G: 204, B: 51, A: 255}), "png")
	assert.GreaterOrEqual(t, tinted[KindColorShift], 0.9)

	neutral := Classify(flatImage(32, 32, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), "png")
	assert.Zero(t, neutral[KindColorShift])
}
