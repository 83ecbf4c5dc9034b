package trainer

import (
	"math"
	"math/rand"
)

// Augmenter writes a randomly transformed copy of src into dst.
// shape is the example shape, [C, H, W] for images.
type Augmenter interface {
	Augment(rng *rand.Rand, shape []int, src, dst []float32)
}

type AugmentConfig struct {
	WidthShift     float64 `toml:"width_shift"     env:"WIDTH_SHIFT"`
	HeightShift    float64 `toml:"height_shift"    env:"HEIGHT_SHIFT"`
	HorizontalFlip bool    `toml:"horizontal_flip" env:"HORIZONTAL_FLIP"`
}

func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		WidthShift:     0.1,
		HeightShift:    0.1,
		HorizontalFlip: true,
	}
}

// NewAugmenter builds the transform chain described by cfg. An empty chain copies examples unchanged.
func NewAugmenter(cfg AugmentConfig) Augmenter {
	var chain Chain
	if cfg.WidthShift > 0 || cfg.HeightShift > 0 {
		chain = append(chain, Shift{Width: cfg.WidthShift, Height: cfg.HeightShift})
	}
	if cfg.HorizontalFlip {
		chain = append(chain, HorizontalFlip{})
	}

	return chain
}

// Chain applies augmenters in order.
type Chain []Augmenter

func (c Chain) Augment(rng *rand.Rand, shape []int, src, dst []float32) {
	copy(dst, src)
	if len(c) == 0 {
		return
	}

	tmp := make([]float32, len(src))
	for _, a := range c {
		copy(tmp, dst)
		a.Augment(rng, shape, tmp, dst)
	}
}

// Shift translates an image by up to the given fraction of its width and
// height, filling uncovered pixels with the nearest edge pixel.
type Shift struct {
	Width  float64
	Height float64
}

func (s Shift) Augment(rng *rand.Rand, shape []int, src, dst []float32) {
	c, h, w, ok := imageShape(shape, len(src))
	if !ok {
		copy(dst, src)
		return
	}

	dx := offset(rng, s.Width, w)
	dy := offset(rng, s.Height, h)
	for ch := 0; ch < c; ch++ {
		plane := ch * h * w
		for y := 0; y < h; y++ {
			sy := clamp(y-dy, h)
			for x := 0; x < w; x++ {
				sx := clamp(x-dx, w)
				dst[plane+y*w+x] = src[plane+sy*w+sx]
			}
		}
	}
}

// HorizontalFlip mirrors an image left to right with probability one half.
type HorizontalFlip struct{}

func (HorizontalFlip) Augment(rng *rand.Rand, shape []int, src, dst []float32) {
	c, h, w, ok := imageShape(shape, len(src))
	if !ok || rng.Intn(2) == 0 {
		copy(dst, src)
		return
	}

	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := ch*h*w + y*w
			for x := 0; x < w; x++ {
				dst[row+x] = src[row+w-1-x]
			}
		}
	}
}

func imageShape(shape []int, n int) (c, h, w int, ok bool) {
	if len(shape) != 3 || shape[0]*shape[1]*shape[2] != n {
		return 0, 0, 0, false
	}

	return shape[0], shape[1], shape[2], true
}

func offset(rng *rand.Rand, frac float64, size int) int {
	limit := int(math.Round(frac * float64(size)))
	if limit <= 0 {
		return 0
	}

	return rng.Intn(2*limit+1) - limit
}

func clamp(i, size int) int {
	return min(max(i, 0), size-1)
}
