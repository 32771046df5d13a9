// Package features turns recorded interaction series into the fixed-shape
// fingerprint sent with a verify call.
package features

import (
	"fmt"
	"math"

	"captchify/internal/sensor"
	"captchify/internal/types"
)

const (
	directionBins = 12
	intervalBins  = 8
	// straightTolerance is the slack allowed in the triangle equality
	// d(p1,p2)+d(p2,p3) == d(p1,p3) for a triple to count as collinear.
	straightTolerance = 0.1
	// minIntervalSamples is the number of series entries needed before an
	// interval entropy is reported.
	minIntervalSamples = 3
)

// Extract computes the feature vector for snap. Every field is populated;
// anything without enough data is 0.
func Extract(snap sensor.Snapshot) types.Features {
	c := snap.Counters
	f := types.Features{
		MoveCount:            c.Moves,
		PathLength:           int(math.Round(snap.PathLength)),
		AvgSpeed:             Mean(snap.Speeds),
		MaxSpeed:             Max(snap.Speeds),
		DirEntropy:           DirectionEntropy(snap.Angles),
		IdleEvents:           c.Idle,
		ScrollEvents:         c.Scrolls,
		KeyEvents:            c.Keys,
		FocusChanges:         c.FocusChanges,
		WindowBlurs:          c.Blurs,
		TouchEvents:          c.Touches,
		StraightnessScore:    Straightness(snap.Samples),
		AccelerationVariance: Variance(snap.Accelerations),
	}
	if c.Moves > 0 {
		f.JitterRatio = float64(c.Jitter) / float64(c.Moves)
	}
	if len(snap.KeyTimes) >= minIntervalSamples {
		f.KeyIntervalEntropy = BinnedEntropy(Gaps(snap.KeyTimes), intervalBins)
	}
	if len(snap.Intervals) >= minIntervalSamples {
		f.MoveIntervalEntropy = BinnedEntropy(snap.Intervals, intervalBins)
	}
	return f
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func Max(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Variance is the population variance of xs.
func Variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := Mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}

// Entropy is the Shannon entropy in bits of a histogram.
func Entropy(counts []int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// DirectionEntropy bins angles in (-π, π] into twelve equal sectors and
// returns the entropy of the occupancy. The result lies in [0, log2(12)].
func DirectionEntropy(angles []float64) float64 {
	if len(angles) == 0 {
		return 0
	}
	bins := make([]int, directionBins)
	for _, a := range angles {
		bins[clampIndex(math.Floor((a+math.Pi)/(2*math.Pi)*directionBins), directionBins)]++
	}
	return Entropy(bins)
}

// BinnedEntropy spreads values over n equal-width bins spanning their
// [min, max] range (a span below 1 is treated as 1) and returns the entropy
// of the occupancy.
func BinnedEntropy(values []float64, n int) float64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := math.Max(1, hi-lo)
	bins := make([]int, n)
	for _, v := range values {
		bins[clampIndex(math.Floor(float64(n)*(v-lo)/span), n)]++
	}
	return Entropy(bins)
}

// Gaps returns the successive differences of ts.
func Gaps(ts []float64) []float64 {
	if len(ts) < 2 {
		return nil
	}
	out := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		out = append(out, ts[i]-ts[i-1])
	}
	return out
}

// Straightness is the share of consecutive sample triples that are
// collinear within straightTolerance.
func Straightness(samples []sensor.Sample) float64 {
	if len(samples) < 3 {
		return 0
	}
	straight := 0
	for i := 2; i < len(samples); i++ {
		p1, p2, p3 := samples[i-2], samples[i-1], samples[i]
		if math.Abs(dist(p1, p2)+dist(p2, p3)-dist(p1, p3)) < straightTolerance {
			straight++
		}
	}
	return float64(straight) / float64(len(samples)-2)
}

func dist(a, b sensor.Sample) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

func clampIndex(f float64, n int) int {
	i := int(f)
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

// Label is one display pair for a debug readout.
type Label struct {
	Name  string
	Value string
}

// Summary formats the headline features the way the widget's metric chips
// showed them.
func Summary(f types.Features) []Label {
	return []Label{
		{"moves", fmt.Sprint(f.MoveCount)},
		{"path px", fmt.Sprint(f.PathLength)},
		{"avg v", fmt.Sprintf("%.3f", f.AvgSpeed)},
		{"max v", fmt.Sprintf("%.3f", f.MaxSpeed)},
		{"dir H", fmt.Sprintf("%.2f", f.DirEntropy)},
		{"jitter", fmt.Sprintf("%.3f", f.JitterRatio)},
		{"idle", fmt.Sprint(f.IdleEvents)},
		{"scroll", fmt.Sprint(f.ScrollEvents)},
		{"keys", fmt.Sprint(f.KeyEvents)},
	}
}
