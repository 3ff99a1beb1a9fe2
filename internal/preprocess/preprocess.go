// Package preprocess cleans raw captured waves for downstream analysis:
// activity-window detection, per-trace edge alignment, cropping, baseline
// removal, detrending, normalization and smoothing.
package preprocess

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Params tunes the preprocessing pipeline. Zero values are replaced by the
// defaults from DefaultParams.
type Params struct {
	// PreSamples is how many leading samples are treated as baseline when
	// detecting activity.
	PreSamples int
	// SmoothK is the smoothing window applied to the activity profile.
	SmoothK int
	// ThreshStd is the detection threshold in standard deviations above the
	// baseline activity level.
	ThreshStd float64
	// Margin expands the detected window on each side.
	Margin int

	// Align enables per-trace alignment to a sharp edge inside the window.
	Align bool

	// BaselineStart and BaselineEnd bound the within-window region whose mean
	// is subtracted from each trace.
	BaselineStart int
	BaselineEnd   int
	// Detrend subtracts a slow moving average from each trace.
	Detrend bool
	// Normalize divides each trace by its standard deviation.
	Normalize bool
	// FinalSmoothK is the final smoothing kernel size (1 disables).
	FinalSmoothK int
}

// DefaultParams returns the pipeline defaults.
func DefaultParams() Params {
	return Params{
		PreSamples:    150,
		SmoothK:       11,
		ThreshStd:     3.0,
		Margin:        50,
		Align:         true,
		BaselineStart: 0,
		BaselineEnd:   20,
		Detrend:       true,
		Normalize:     true,
		FinalSmoothK:  3,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.PreSamples <= 0 {
		p.PreSamples = def.PreSamples
	}
	if p.SmoothK <= 0 {
		p.SmoothK = def.SmoothK
	}
	if p.ThreshStd <= 0 {
		p.ThreshStd = def.ThreshStd
	}
	if p.Margin < 0 {
		p.Margin = def.Margin
	}
	if p.BaselineEnd <= p.BaselineStart {
		p.BaselineStart = def.BaselineStart
		p.BaselineEnd = def.BaselineEnd
	}
	if p.FinalSmoothK <= 0 {
		p.FinalSmoothK = def.FinalSmoothK
	}
	return p
}

// Result holds the processed waves plus enough metadata to keep per-trace
// records (inputs, outputs) in step with the surviving waves.
type Result struct {
	// Waves are the processed traces, cropped to the detected window.
	Waves [][]float64
	// Start and End are the final crop window in raw sample indices.
	Start, End int
	// RefIndex is the alignment reference sample, or -1 when alignment was
	// disabled.
	RefIndex int
	// Kept maps each output wave to its index in the input slice. Bad traces
	// (NaN or constant after processing) are dropped.
	Kept []int
}

// Run executes the full pipeline over a set of equal-length waves.
func Run(waves [][]float64, p Params) (*Result, error) {
	if len(waves) == 0 {
		return nil, fmt.Errorf("no waves to preprocess")
	}
	n := len(waves[0])
	for i, w := range waves {
		if len(w) != n {
			return nil, fmt.Errorf("wave %d has %d samples, want %d", i, len(w), n)
		}
	}
	if n < 2 {
		return nil, fmt.Errorf("waves too short to preprocess (%d samples)", n)
	}
	p = p.withDefaults()

	start, end := DetectActivityWindow(waves, p)

	work := waves
	refIdx := -1
	if p.Align {
		events := AlignmentIndices(waves, start, end)
		refIdx = medianInt(events)
		work = AlignRoll(waves, events, refIdx)

		// Recenter the crop window on the reference edge, keeping its length.
		winLen := end - start
		newStart := refIdx - winLen/2
		if newStart < 0 {
			newStart = 0
		}
		newEnd := newStart + winLen
		if newEnd > n {
			newEnd = n
			if newEnd-winLen > 0 {
				newStart = newEnd - winLen
			} else {
				newStart = 0
			}
		}
		start, end = newStart, newEnd
	}

	processed := CropNormalize(work, start, end, p)

	res := &Result{Start: start, End: end, RefIndex: refIdx}
	for i, w := range processed {
		if isBadWave(w) {
			continue
		}
		res.Waves = append(res.Waves, w)
		res.Kept = append(res.Kept, i)
	}
	if len(res.Waves) == 0 {
		return nil, fmt.Errorf("all %d waves dropped as bad", len(waves))
	}
	return res, nil
}

// MovingAverage smooths x with a box kernel of width k, zero-padded at the
// edges so the output has the same length.
func MovingAverage(x []float64, k int) []float64 {
	if k <= 1 {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	out := make([]float64, len(x))
	half := k / 2
	inv := 1.0 / float64(k)
	for i := range x {
		var sum float64
		for j := i - half; j < i-half+k; j++ {
			if j >= 0 && j < len(x) {
				sum += x[j]
			}
		}
		out[i] = sum * inv
	}
	return out
}

// DetectActivityWindow locates the region of activity across traces using the
// mean absolute derivative. Returns [start, end) in sample indices, falling
// back to the full trace when nothing rises above the baseline.
func DetectActivityWindow(waves [][]float64, p Params) (int, int) {
	p = p.withDefaults()
	n := len(waves[0])

	activity := make([]float64, n-1)
	for _, w := range waves {
		for i := 0; i < n-1; i++ {
			activity[i] += math.Abs(nanToNum(w[i+1]) - nanToNum(w[i]))
		}
	}
	floats.Scale(1/float64(len(waves)), activity)
	smoothed := MovingAverage(activity, p.SmoothK)

	baselineEnd := p.PreSamples / 2
	if baselineEnd < 1 {
		baselineEnd = 1
	}
	if baselineEnd > len(smoothed) {
		baselineEnd = len(smoothed)
	}
	baseline := smoothed[:baselineEnd]
	mu := stat.Mean(baseline, nil)
	sigma := stat.PopStdDev(baseline, nil)
	if sigma <= 0 {
		sigma = 1e-9
	}
	thr := mu + p.ThreshStd*sigma

	first, last := -1, -1
	for i, v := range smoothed {
		if v > thr {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return 0, n
	}

	start := first - p.Margin
	if start < 0 {
		start = 0
	}
	// +2 converts a derivative index back to an inclusive sample index.
	end := last + 2 + p.Margin
	if end > n {
		end = n
	}
	return start, end
}

// AlignmentIndices finds, for each trace, the sample index of the sharpest
// edge inside [start, end).
func AlignmentIndices(waves [][]float64, start, end int) []int {
	n := len(waves[0])
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	out := make([]int, len(waves))
	if end <= start+1 {
		for i := range out {
			out[i] = n / 2
		}
		return out
	}

	derivEnd := end - 1
	if derivEnd <= start {
		derivEnd = start + 1
	}
	for i, w := range waves {
		best, bestIdx := -1.0, start
		for j := start; j < derivEnd && j < len(w)-1; j++ {
			d := math.Abs(nanToNum(w[j+1]) - nanToNum(w[j]))
			if d > best {
				best = d
				bestIdx = j
			}
		}
		out[i] = bestIdx + 1
	}
	return out
}

// AlignRoll circularly shifts each trace so its event index lands on ref.
func AlignRoll(waves [][]float64, events []int, ref int) [][]float64 {
	out := make([][]float64, len(waves))
	for i, w := range waves {
		out[i] = roll(w, ref-events[i])
	}
	return out
}

// CropNormalize crops traces to [start, end), subtracts the baseline mean,
// optionally detrends and normalizes, then applies final smoothing.
func CropNormalize(waves [][]float64, start, end int, p Params) [][]float64 {
	p = p.withDefaults()
	out := make([][]float64, len(waves))
	for i, w := range waves {
		row := make([]float64, end-start)
		copy(row, w[start:end])

		a, b := p.BaselineStart, p.BaselineEnd
		if a < 0 {
			a = 0
		}
		if b > len(row) {
			b = len(row)
		}
		var baseline float64
		if b > a {
			baseline = stat.Mean(row[a:b], nil)
		} else {
			baseline = stat.Mean(row, nil)
		}
		floats.AddConst(-baseline, row)

		if p.Detrend {
			slowK := len(row) / 20
			if slowK < 3 {
				slowK = 3
			}
			slow := MovingAverage(row, slowK)
			floats.Sub(row, slow)
		}

		if p.Normalize {
			std := stat.PopStdDev(row, nil)
			if std == 0 {
				std = 1
			}
			floats.Scale(1/std, row)
		}

		if p.FinalSmoothK > 1 {
			row = MovingAverage(row, p.FinalSmoothK)
		}
		out[i] = row
	}
	return out
}

// MeanWave averages equal-length waves sample by sample.
func MeanWave(waves [][]float64) []float64 {
	if len(waves) == 0 {
		return nil
	}
	mean := make([]float64, len(waves[0]))
	for _, w := range waves {
		floats.Add(mean, w)
	}
	floats.Scale(1/float64(len(waves)), mean)
	return mean
}

func roll(x []float64, shift int) []float64 {
	n := len(x)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	shift = ((shift % n) + n) % n
	copy(out[shift:], x[:n-shift])
	copy(out[:shift], x[n-shift:])
	return out
}

func medianInt(xs []int) int {
	sorted := make([]int, len(xs))
	copy(sorted, xs)
	sort.Ints(sorted)
	return sorted[len(sorted)/2]
}

func isBadWave(w []float64) bool {
	for _, v := range w {
		if math.IsNaN(v) {
			return true
		}
	}
	return stat.PopStdDev(w, nil) < 1e-12
}

func nanToNum(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
