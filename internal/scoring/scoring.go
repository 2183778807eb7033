// Package scoring computes per-sample motion and audio activity scores and
// folds them into per-clip metrics.
package scoring

import "math"

// bytesPerPixel is fixed: frames are RGBA.
const bytesPerPixel = 4

// DefaultDiffThreshold is the summed R+G+B delta above which a pixel counts
// as changed.
const DefaultDiffThreshold = 60

// Region is a rectangular sub-window of a frame in pixel coordinates.
type Region struct {
	X, Y          int
	Width, Height int
}

// RegionScore is the result of a region-restricted motion comparison.
type RegionScore struct {
	Score           float64
	BrightnessDelta float64
}

// MotionGates filter a region score before it is used as a motion sample.
// A zero MaxBrightnessDelta disables the brightness guard.
type MotionGates struct {
	MaxBrightnessDelta float64
	MinScore           float64
}

// MotionScore returns the fraction of pixels that changed between two RGBA
// frames of equal length. Mismatched or empty buffers score 0.
func MotionScore(prev, curr []byte, diffThreshold int) float64 {
	if len(prev) != len(curr) || len(curr) < bytesPerPixel {
		return 0
	}

	total := len(curr) / bytesPerPixel
	changed := 0
	for p := 0; p < total; p++ {
		i := p * bytesPerPixel
		if pixelDiff(prev, curr, i) > diffThreshold {
			changed++
		}
	}
	return float64(changed) / float64(total)
}

// MotionScoreRegion computes the changed-pixel ratio over the part of region
// that lies inside a width x height frame. It also reports the mean per-pixel
// brightness delta over the same pixels so callers can reject exposure jumps.
func MotionScoreRegion(prev, curr []byte, width, height int, region Region, diffThreshold int) RegionScore {
	if width <= 0 || height <= 0 || len(prev) != len(curr) || len(curr) < width*height*bytesPerPixel {
		return RegionScore{}
	}

	x0, y0 := max(region.X, 0), max(region.Y, 0)
	x1, y1 := min(region.X+region.Width, width), min(region.Y+region.Height, height)
	if x1 <= x0 || y1 <= y0 {
		return RegionScore{}
	}

	changed := 0
	var brightness float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := (y*width + x) * bytesPerPixel
			d := pixelDiff(prev, curr, i)
			if d > diffThreshold {
				changed++
			}
			brightness += float64(d) / 3
		}
	}

	total := float64((x1 - x0) * (y1 - y0))
	return RegionScore{
		Score:           float64(changed) / total,
		BrightnessDelta: brightness / total,
	}
}

// ApplyMotionGates zeroes a score caused by a scene-wide brightness jump or
// one that falls below the noise floor.
func ApplyMotionGates(rs RegionScore, g MotionGates) float64 {
	if g.MaxBrightnessDelta > 0 && rs.BrightnessDelta > g.MaxBrightnessDelta {
		return 0
	}
	if rs.Score < g.MinScore {
		return 0
	}
	return rs.Score
}

// AudioScore returns the RMS of samples in [-1, 1]. Empty input scores 0.
func AudioScore(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func pixelDiff(a, b []byte, i int) int {
	return absDiff(a[i], b[i]) + absDiff(a[i+1], b[i+1]) + absDiff(a[i+2], b[i+2])
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
