package stats

import (
	"math"

	"github.com/rotisserie/eris"
)

// Bin is one quartile cell of a binned indicator-vs-discharge comparison:
// the indicator interval, the population-weighted mean discharge of the
// regions falling in it, and the bootstrap uncertainty band around that
// mean.
type Bin struct {
	Lo     float64 `json:"lo"`
	Hi     float64 `json:"hi"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Band   Band    `json:"band"`
}

// QuartileEdges returns the 0/25/50/75/100 percentile edges of the finite
// values in xs.
func QuartileEdges(xs []float64) [5]float64 {
	var edges [5]float64
	for i, p := range []float64{0, 25, 50, 75, 100} {
		edges[i] = Percentile(xs, p)
	}
	return edges
}

// BinnedComparison buckets regions into indicator quartiles and bootstraps
// the population-weighted mean discharge within each. Rows with a NaN
// indicator fall in no bin; NaN volumes or populations are handled by the
// bootstrap's joint filter. The top edge is inclusive so the maximum
// indicator value lands in the last bin.
func BinnedComparison(indicator, volume, population []float64, resamples int, seed int64) ([]Bin, error) {
	if len(indicator) != len(volume) || len(indicator) != len(population) {
		return nil, eris.Errorf("stats: length mismatch, %d indicator vs %d volume vs %d population",
			len(indicator), len(volume), len(population))
	}

	edges := QuartileEdges(indicator)
	if math.IsNaN(edges[0]) {
		return nil, eris.New("stats: no finite indicator values to bin")
	}

	bins := make([]Bin, 4)
	byBin := make([][]int, 4)
	for i, x := range indicator {
		if math.IsNaN(x) {
			continue
		}
		b := 3
		for j := 0; j < 3; j++ {
			if x < edges[j+1] {
				b = j
				break
			}
		}
		byBin[b] = append(byBin[b], i)
	}

	for b := range bins {
		bins[b].Lo = edges[b]
		bins[b].Hi = edges[b+1]
		bins[b].Count = len(byBin[b])
		if len(byBin[b]) == 0 {
			bins[b].Mean = math.NaN()
			bins[b].StdDev = math.NaN()
			bins[b].Band = Band{Low: math.NaN(), Median: math.NaN(), High: math.NaN()}
			continue
		}
		v := make([]float64, 0, len(byBin[b]))
		w := make([]float64, 0, len(byBin[b]))
		for _, i := range byBin[b] {
			v = append(v, volume[i])
			w = append(w, population[i])
		}
		// Offset the seed per bin so bins draw independent index streams.
		res, err := BootstrapWeightedMean(v, w, resamples, seed+int64(b))
		if err != nil {
			return nil, err
		}
		bins[b].Mean = res.Mean
		bins[b].StdDev = res.StdDev
		bins[b].Band = PercentileBand(res.Resamples)
	}
	return bins, nil
}
