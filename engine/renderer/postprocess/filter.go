package postprocess

import (
	"golang.org/x/image/math/f32"

	"github.com/spaghettifunk/helios/engine/math"
)

// Params are the tonemap and bloom controls, mirrored into the post
// process push constants every frame
type Params struct {
	Exposure       float32
	Gamma          float32
	BloomIntensity float32
	Threshold      float32
	Knee           float32
}

// DefaultParams matches the renderer's configuration defaults
func DefaultParams() Params {
	return Params{
		Exposure:       1.0,
		Gamma:          2.2,
		BloomIntensity: 0.5,
		Threshold:      1.0,
		Knee:           0.5,
	}
}

// Clamped bounds the controls to their valid ranges
func (p Params) Clamped() Params {
	p.Exposure = math.Clamp(p.Exposure, 0, 16)
	p.Gamma = math.Clamp(p.Gamma, 0.1, 4)
	p.BloomIntensity = math.Clamp(p.BloomIntensity, 0, 2)
	p.Threshold = math.Max(p.Threshold, 0)
	p.Knee = math.Clamp(p.Knee, 0, p.Threshold+math.K_EPSILON)
	return p
}

// brightness of a pixel for thresholding purposes
func brightness(c f32.Vec4) float32 {
	return math.Max(c[0], math.Max(c[1], c[2]))
}

// SoftThreshold extracts the bloom contribution of a pixel. Below
// threshold-knee nothing passes; above threshold the pixel passes
// proportionally; the knee blends quadratically in between so the
// cutoff never shows as a hard edge
func SoftThreshold(c f32.Vec4, threshold, knee float32) f32.Vec4 {
	b := brightness(c)
	soft := math.Clamp(b-threshold+knee, 0, 2*knee)
	soft = soft * soft / (4*knee + math.K_EPSILON)
	contribution := math.Max(soft, b-threshold)
	contribution /= math.Max(b, math.K_EPSILON)
	return f32.Vec4{c[0] * contribution, c[1] * contribution, c[2] * contribution, c[3]}
}

// KarisWeight is the luma-based weight that tames fireflies during
// downsampling: a single very bright sample no longer dominates its
// neighborhood average
func KarisWeight(c f32.Vec4) float32 {
	return 1.0 / (1.0 + math.Luminance(c[0], c[1], c[2]))
}

// ACESFilm is the Narkowicz approximation of the ACES filmic curve,
// clamped to [1]
func ACESFilm(x float32) float32 {
	const (
		a = 2.51
		b = 0.03
		c = 2.43
		d = 0.59
		e = 0.14
	)
	return math.Saturate((x * (a*x + b)) / (x*(c*x+d) + e))
}

// Tonemap composites the bloom contribution over the lit color, applies
// exposure, the ACES curve and gamma correction. Output channels land
// in [0,1]
func Tonemap(color, bloom f32.Vec4, p Params) f32.Vec4 {
	var out f32.Vec4
	for i := 0; i < 3; i++ {
		hdr := (color[i] + bloom[i]*p.BloomIntensity) * p.Exposure
		out[i] = math.Pow(ACESFilm(hdr), 1.0/p.Gamma)
	}
	out[3] = 1.0
	return out
}

// Image is a linear float32 RGBA surface, the CPU mirror of the GPU
// bloom chain used by headless runs and tests
type Image struct {
	Width  int
	Height int
	Pix    []f32.Vec4
}

func NewImage(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Pix:    make([]f32.Vec4, width*height),
	}
}

// At clamps coordinates to the edge, matching the GPU samplers'
// clamp-to-edge addressing
func (img *Image) At(x, y int) f32.Vec4 {
	x = math.Clamp(x, 0, img.Width-1)
	y = math.Clamp(y, 0, img.Height-1)
	return img.Pix[y*img.Width+x]
}

func (img *Image) Set(x, y int, c f32.Vec4) {
	img.Pix[y*img.Width+x] = c
}

func scale(c f32.Vec4, s float32) f32.Vec4 {
	return f32.Vec4{c[0] * s, c[1] * s, c[2] * s, c[3] * s}
}

func add(a, b f32.Vec4) f32.Vec4 {
	return f32.Vec4{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}

// downsampleTaps is the 13-tap pattern around a destination pixel's
// source footprint: five overlapping 2x2 boxes, the inner one carrying
// half the total weight. Base weights sum to 1
var downsampleTaps = []struct {
	dx, dy int
	weight float32
}{
	{0, 0, 0.125},
	{-1, -1, 0.125}, {1, -1, 0.125}, {-1, 1, 0.125}, {1, 1, 0.125},
	{-2, 0, 0.0625}, {2, 0, 0.0625}, {0, -2, 0.0625}, {0, 2, 0.0625},
	{-2, -2, 0.03125}, {2, -2, 0.03125}, {-2, 2, 0.03125}, {2, 2, 0.03125},
}

// Downsample halves src with the 13-tap pattern, each tap scaled by
// its Karis weight so isolated bright pixels spread smoothly instead
// of flickering
func Downsample(src *Image) *Image {
	w := math.Max(src.Width/2, 1)
	h := math.Max(src.Height/2, 1)
	dst := NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum f32.Vec4
			var totalWeight float32
			for _, tap := range downsampleTaps {
				c := src.At(2*x+tap.dx, 2*y+tap.dy)
				wgt := tap.weight * KarisWeight(c)
				sum = add(sum, scale(c, wgt))
				totalWeight += wgt
			}
			if totalWeight > 0 {
				sum = scale(sum, 1.0/totalWeight)
			}
			dst.Set(x, y, sum)
		}
	}
	return dst
}

// upsampleTaps is the 9-tap tent filter, weights 4/2/1 over 16
var upsampleTaps = []struct {
	dx, dy int
	weight float32
}{
	{0, 0, 4},
	{-1, 0, 2}, {1, 0, 2}, {0, -1, 2}, {0, 1, 2},
	{-1, -1, 1}, {1, -1, 1}, {-1, 1, 1}, {1, 1, 1},
}

// UpsampleAdd tent-filters src at dst's resolution and adds the result
// into dst, accumulating the bloom chain from the smallest mip back up
func UpsampleAdd(dst, src *Image) {
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			var sum f32.Vec4
			for _, tap := range upsampleTaps {
				c := src.At(x/2+tap.dx, y/2+tap.dy)
				sum = add(sum, scale(c, tap.weight/16.0))
			}
			dst.Set(x, y, add(dst.At(x, y), sum))
		}
	}
}

// Process runs the full post chain on the CPU: threshold, a downsample
// chain mipLevels deep, additive tent upsampling back to full size,
// then tonemap. It is the reference the GPU passes are checked against
func Process(hdr *Image, p Params, mipLevels int) *Image {
	p = p.Clamped()

	thresholded := NewImage(hdr.Width, hdr.Height)
	for i, c := range hdr.Pix {
		thresholded.Pix[i] = SoftThreshold(c, p.Threshold, p.Knee)
	}

	chain := []*Image{thresholded}
	for i := 0; i < mipLevels; i++ {
		last := chain[len(chain)-1]
		if last.Width <= 1 && last.Height <= 1 {
			break
		}
		chain = append(chain, Downsample(last))
	}

	for i := len(chain) - 1; i > 0; i-- {
		UpsampleAdd(chain[i-1], chain[i])
	}
	bloom := chain[0]

	out := NewImage(hdr.Width, hdr.Height)
	for i := range hdr.Pix {
		out.Pix[i] = Tonemap(hdr.Pix[i], bloom.Pix[i], p)
	}
	return out
}
