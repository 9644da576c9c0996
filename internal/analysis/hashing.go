package analysis

import (
	"fmt"
	"image"
	"math/bits"
	"sort"
)

// Perceptual hashes are 64-bit values rendered as 16-digit hex strings.
// Three variants are computed per image: difference hash (gradient),
// average hash (mean threshold) and wavelet hash (single-level Haar).

const hashBits = 64

// FormatHash renders a 64-bit hash as fixed-width hex
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// ParseHash parses a 16-digit hex hash
func ParseHash(s string) (uint64, error) {
	var h uint64
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid hash length %d (expected 16 hex digits)", len(s))
	}
	if _, err := fmt.Sscanf(s, "%016x", &h); err != nil {
		return 0, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}

// HammingDistance counts differing bits between two hashes
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// HammingDistanceHex computes the Hamming distance between hex hashes
func HammingDistanceHex(a, b string) (int, error) {
	ha, err := ParseHash(a)
	if err != nil {
		return 0, err
	}
	hb, err := ParseHash(b)
	if err != nil {
		return 0, err
	}
	return HammingDistance(ha, hb), nil
}

// SimilarityScore maps a Hamming distance onto a 0-100 scale:
// 100 - floor(100*distance/64)
func SimilarityScore(distance int) int {
	if distance < 0 {
		distance = 0
	}
	if distance > hashBits {
		distance = hashBits
	}
	return 100 - (distance*100)/hashBits
}

// DHash computes the difference hash: 8x8 bits, each set when a pixel is
// brighter than its right neighbor in a 9x8 grayscale reduction.
func DHash(img image.Image) uint64 {
	gray := grayscaleGrid(img, 9, 8)
	var h uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			h <<= 1
			if gray[y][x] > gray[y][x+1] {
				h |= 1
			}
		}
	}
	return h
}

// AHash computes the average hash: bits set where an 8x8 grayscale
// reduction exceeds its mean.
func AHash(img image.Image) uint64 {
	gray := grayscaleGrid(img, 8, 8)

	var sum float64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			sum += gray[y][x]
		}
	}
	mean := sum / 64

	var h uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			h <<= 1
			if gray[y][x] > mean {
				h |= 1
			}
		}
	}
	return h
}

// WHash computes the wavelet hash: one Haar decomposition level over a
// 16x16 grayscale reduction, thresholded at the median of the
// low-frequency quadrant.
func WHash(img image.Image) uint64 {
	gray := grayscaleGrid(img, 16, 16)

	// Single-level 2D Haar: average 2x2 blocks into the 8x8 LL band
	ll := make([][]float64, 8)
	values := make([]float64, 0, 64)
	for y := 0; y < 8; y++ {
		ll[y] = make([]float64, 8)
		for x := 0; x < 8; x++ {
			avg := (gray[2*y][2*x] + gray[2*y][2*x+1] + gray[2*y+1][2*x] + gray[2*y+1][2*x+1]) / 4
			ll[y][x] = avg
			values = append(values, avg)
		}
	}

	sort.Float64s(values)
	median := (values[31] + values[32]) / 2

	var h uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			h <<= 1
			if ll[y][x] > median {
				h |= 1
			}
		}
	}
	return h
}

// grayscaleGrid box-samples an image down to w x h luminance values
func grayscaleGrid(img image.Image, w, h int) [][]float64 {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	grid := make([][]float64, h)
	for gy := 0; gy < h; gy++ {
		grid[gy] = make([]float64, w)
		for gx := 0; gx < w; gx++ {
			x0 := bounds.Min.X + gx*srcW/w
			x1 := bounds.Min.X + (gx+1)*srcW/w
			y0 := bounds.Min.Y + gy*srcH/h
			y1 := bounds.Min.Y + (gy+1)*srcH/h
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}

			var sum float64
			count := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, b, _ := img.At(x, y).RGBA()
					// ITU-R 601 luma on 16-bit channel values
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
					count++
				}
			}
			grid[gy][gx] = sum / float64(count) / 256
		}
	}
	return grid
}
