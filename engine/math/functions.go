package math

import (
	"github.com/chewxy/math32"
	"golang.org/x/exp/constraints"
)

const (
	/** @brief A tiny value used to avoid division by zero. */
	K_EPSILON float32 = 1e-4
	/** @brief A huge number that should be larger than any valid number used. */
	K_INFINITY float32 = 1e30
)

func Clamp[T constraints.Ordered](value, minimum, maximum T) T {
	if value < minimum {
		return minimum
	}
	if value > maximum {
		return maximum
	}
	return value
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Abs(x float32) float32 {
	return math32.Abs(x)
}

func Pow(x, y float32) float32 {
	return math32.Pow(x, y)
}

func Sqrt(x float32) float32 {
	return math32.Sqrt(x)
}

// Saturate clamps to [0, 1].
func Saturate(x float32) float32 {
	return Clamp(x, 0.0, 1.0)
}

// Luminance returns the Rec.709 luma of a linear RGB triple.
func Luminance(r, g, b float32) float32 {
	return 0.2126*r + 0.7152*g + 0.0722*b
}

// Lerp linearly interpolates between a and b by t.
func Lerp(a, b, t float32) float32 {
	return a + (b-a)*t
}

// Float32bits exposes the raw IEEE 754 bit pattern, used when packing
// shader push constant blocks.
func Float32bits(x float32) uint32 {
	return math32.Float32bits(x)
}
