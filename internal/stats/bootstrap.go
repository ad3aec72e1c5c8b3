// Package stats provides the bootstrap machinery behind the uncertainty
// bands on weighted-average comparisons.
package stats

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rotisserie/eris"
)

// WeightedMean returns sum(v*w)/sum(w) over rows where both value and
// weight are finite. Zero usable weight yields NaN.
func WeightedMean(values, weights []float64) float64 {
	var num, den float64
	for i := range values {
		if math.IsNaN(values[i]) || math.IsNaN(weights[i]) {
			continue
		}
		num += values[i] * weights[i]
		den += weights[i]
	}
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

// BootstrapResult carries the resampled weighted means alongside their
// summary moments. Resamples is retained for percentile band extraction.
type BootstrapResult struct {
	Mean      float64
	StdDev    float64
	Resamples []float64
}

// BootstrapWeightedMean resamples (value, weight) pairs with replacement
// and recomputes the weighted mean per draw. Rows where either value or
// weight is NaN are removed before resampling, and each draw uses the same
// indices for values and weights so pairs stay intact. With no usable rows
// the result is (NaN, NaN) and an empty resample slice.
func BootstrapWeightedMean(values, weights []float64, resamples int, seed int64) (BootstrapResult, error) {
	if len(values) != len(weights) {
		return BootstrapResult{}, eris.Errorf("stats: length mismatch, %d values vs %d weights", len(values), len(weights))
	}
	if resamples <= 0 {
		return BootstrapResult{}, eris.Errorf("stats: resamples must be positive, got %d", resamples)
	}

	var v, w []float64
	for i := range values {
		if math.IsNaN(values[i]) || math.IsNaN(weights[i]) {
			continue
		}
		v = append(v, values[i])
		w = append(w, weights[i])
	}
	if len(v) == 0 {
		return BootstrapResult{Mean: math.NaN(), StdDev: math.NaN()}, nil
	}

	rng := rand.New(rand.NewSource(seed))
	means := make([]float64, resamples)
	rv := make([]float64, len(v))
	rw := make([]float64, len(w))
	for k := 0; k < resamples; k++ {
		for j := range v {
			i := rng.Intn(len(v))
			rv[j] = v[i]
			rw[j] = w[i]
		}
		means[k] = WeightedMean(rv, rw)
	}

	return BootstrapResult{
		Mean:      mean(means),
		StdDev:    stddev(means),
		Resamples: means,
	}, nil
}

// Band is a 5th/50th/95th percentile summary of a resample distribution.
type Band struct {
	Low    float64 // 5th percentile
	Median float64
	High   float64 // 95th percentile
}

// PercentileBand summarizes a resample slice into the standard band used
// by the comparison charts.
func PercentileBand(resamples []float64) Band {
	return Band{
		Low:    Percentile(resamples, 5),
		Median: Percentile(resamples, 50),
		High:   Percentile(resamples, 95),
	}
}

// Percentile computes the p-th percentile (0..100) with linear
// interpolation between closest ranks. NaN inputs are excluded; an empty
// slice yields NaN.
func Percentile(data []float64, p float64) float64 {
	var xs []float64
	for _, x := range data {
		if !math.IsNaN(x) {
			xs = append(xs, x)
		}
	}
	if len(xs) == 0 {
		return math.NaN()
	}
	sort.Float64s(xs)
	if len(xs) == 1 {
		return xs[0]
	}
	rank := p / 100 * float64(len(xs)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return xs[lo]
	}
	frac := rank - float64(lo)
	return xs[lo]*(1-frac) + xs[hi]*frac
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// stddev is the population standard deviation of the resample
// distribution.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
