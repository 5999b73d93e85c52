package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f32"

	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

func gray(v float32) f32.Vec4 {
	return f32.Vec4{v, v, v, 1}
}

func gpuExtent(w, h uint32) gpu.Extent {
	return gpu.Extent{Width: w, Height: h}
}

func TestSoftThresholdRejectsDimPixels(t *testing.T) {
	// below threshold-knee nothing may pass
	out := SoftThreshold(gray(0.3), 1.0, 0.5)
	assert.Zero(t, out[0])
	assert.Zero(t, out[1])
	assert.Zero(t, out[2])
}

func TestSoftThresholdPassesBrightPixels(t *testing.T) {
	in := gray(4.0)
	out := SoftThreshold(in, 1.0, 0.5)
	assert.Greater(t, out[0], float32(0))
	assert.LessOrEqual(t, out[0], in[0])
}

func TestSoftThresholdIsMonotonic(t *testing.T) {
	// a brighter input never yields a dimmer bloom contribution
	prev := float32(0)
	for v := float32(0.1); v < 8; v += 0.1 {
		out := SoftThreshold(gray(v), 1.0, 0.5)
		assert.GreaterOrEqual(t, out[0]+1e-5, prev, "at brightness %f", v)
		prev = out[0]
	}
}

func TestSoftThresholdKneeIsContinuous(t *testing.T) {
	// no hard step around the threshold
	below := SoftThreshold(gray(0.999), 1.0, 0.5)
	above := SoftThreshold(gray(1.001), 1.0, 0.5)
	assert.InDelta(t, below[0], above[0], 0.01)
}

func TestACESFilmAnchors(t *testing.T) {
	assert.Zero(t, ACESFilm(0))
	// the curve approaches but never exceeds 1
	for _, x := range []float32{0.5, 1, 2, 10, 100} {
		y := ACESFilm(x)
		assert.Greater(t, y, float32(0))
		assert.LessOrEqual(t, y, float32(1))
	}
	assert.Greater(t, ACESFilm(100), float32(0.99))
}

func TestACESFilmIsMonotonic(t *testing.T) {
	prev := float32(-1)
	for x := float32(0); x < 20; x += 0.05 {
		y := ACESFilm(x)
		assert.GreaterOrEqual(t, y+1e-6, prev, "at %f", x)
		prev = y
	}
}

func TestKarisWeightSuppressesFireflies(t *testing.T) {
	dim := KarisWeight(gray(0.5))
	bright := KarisWeight(gray(100))
	assert.Greater(t, dim, bright)

	// a single firefly in a dark neighborhood must not dominate the
	// downsampled pixel the way a plain box filter would let it
	src := NewImage(4, 4)
	src.Set(1, 1, gray(1000))
	dst := Downsample(src)
	assert.Less(t, dst.At(0, 0)[0], float32(200))
}

func TestDownsampleHalvesDimensions(t *testing.T) {
	src := NewImage(64, 32)
	dst := Downsample(src)
	assert.Equal(t, 32, dst.Width)
	assert.Equal(t, 16, dst.Height)
}

func TestDownsamplePreservesFlatRegions(t *testing.T) {
	src := NewImage(8, 8)
	for i := range src.Pix {
		src.Pix[i] = gray(2.0)
	}
	dst := Downsample(src)
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			assert.InDelta(t, 2.0, dst.At(x, y)[0], 1e-4)
		}
	}
}

func TestUpsampleAddAccumulates(t *testing.T) {
	dst := NewImage(4, 4)
	for i := range dst.Pix {
		dst.Pix[i] = gray(1.0)
	}
	src := NewImage(2, 2)
	for i := range src.Pix {
		src.Pix[i] = gray(0.5)
	}
	UpsampleAdd(dst, src)
	// tent weights sum to 1, so a flat source adds its value
	assert.InDelta(t, 1.5, dst.At(1, 1)[0], 1e-4)
}

func TestTonemapOutputIsBounded(t *testing.T) {
	p := DefaultParams()
	for _, v := range []float32{0, 0.5, 1, 10, 1000} {
		out := Tonemap(gray(v), gray(v), p)
		for i := 0; i < 3; i++ {
			assert.GreaterOrEqual(t, out[i], float32(0))
			assert.LessOrEqual(t, out[i], float32(1))
		}
		assert.Equal(t, float32(1), out[3])
	}
}

func TestZeroBloomIntensityIsPureTonemap(t *testing.T) {
	p := DefaultParams()
	p.BloomIntensity = 0

	color := gray(0.8)
	withBloom := Tonemap(color, gray(50), p)
	without := Tonemap(color, gray(0), p)
	assert.Equal(t, without, withBloom)
}

func TestProcessWithZeroIntensityMatchesTonemapOnly(t *testing.T) {
	hdr := NewImage(16, 16)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			hdr.Set(x, y, gray(float32(x+y)/8.0))
		}
	}
	p := DefaultParams()
	p.BloomIntensity = 0

	out := Process(hdr, p, 3)
	require.Equal(t, 16, out.Width)
	for i, c := range hdr.Pix {
		expect := Tonemap(c, f32.Vec4{}, p)
		assert.InDelta(t, expect[0], out.Pix[i][0], 1e-5)
	}
}

func TestProcessSpreadsHighlights(t *testing.T) {
	hdr := NewImage(32, 32)
	hdr.Set(16, 16, gray(50))

	p := DefaultParams()
	dark := Process(hdr, Params{Exposure: 1, Gamma: 2.2, BloomIntensity: 0, Threshold: 1, Knee: 0.5}, 4)
	lit := Process(hdr, p, 4)

	// neighbors of the highlight pick up bloom energy
	assert.Greater(t, lit.At(14, 16)[0], dark.At(14, 16)[0])
	assert.Greater(t, lit.At(16, 18)[0], dark.At(16, 18)[0])
}

func TestParamsClamped(t *testing.T) {
	p := Params{Exposure: -1, Gamma: 0, BloomIntensity: 5, Threshold: -2, Knee: 9}.Clamped()
	assert.Equal(t, float32(0), p.Exposure)
	assert.Equal(t, float32(0.1), p.Gamma)
	assert.Equal(t, float32(2), p.BloomIntensity)
	assert.Equal(t, float32(0), p.Threshold)
	assert.LessOrEqual(t, p.Knee, float32(0.001))
}

func TestMipCount(t *testing.T) {
	assert.Equal(t, 5, mipCount(gpuExtent(1920, 1080)))
	assert.Equal(t, 3, mipCount(gpuExtent(8, 8)))
	assert.Equal(t, 0, mipCount(gpuExtent(1, 1)))
}
