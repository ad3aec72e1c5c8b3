package pipeline

import (
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/nesanders/MAenvironmentaldata/internal/config"
	"github.com/nesanders/MAenvironmentaldata/internal/model"
	"github.com/nesanders/MAenvironmentaldata/internal/stats"
)

// Facts is the run-level summary written alongside the aggregate tables:
// state-wide discharge totals plus, per EJ indicator, the comparison
// between the population-weighted indicator level and the level weighted
// by discharge exposure. A discharge-weighted mean above the population
// baseline means discharges fall disproportionately on communities with
// more of that indicator.
type Facts struct {
	RunID           string           `yaml:"run_id"`
	TotalVolumeMGal float64          `yaml:"cso_total_volume_mgal"`
	TotalDischarges float64          `yaml:"cso_total_discharge_count"`
	Outfalls        int              `yaml:"cso_outfalls"`
	Indicators      []IndicatorFacts `yaml:"indicators"`
}

// IndicatorFacts compares one indicator's baseline and exposure-weighted
// levels, with bootstrap uncertainty and the quartile-binned table behind
// the comparison charts.
type IndicatorFacts struct {
	Indicator    string      `yaml:"indicator"`
	PopWeighted  float64     `yaml:"pop_weighted_mean"`
	ExpoWeighted BootStat    `yaml:"exposure_weighted_mean"`
	Bins         []stats.Bin `yaml:"bins"`
}

// BootStat is a bootstrapped estimate with its resample spread.
type BootStat struct {
	Mean   float64    `yaml:"mean"`
	StdDev float64    `yaml:"stddev"`
	Band   stats.Band `yaml:"band"`
}

// BuildFacts derives the facts summary from the raw events and the
// block-group aggregate rows.
func BuildFacts(runID string, events []model.DischargeEvent, blockGroups []model.AggregateRow, indicators []string, cfg config.BootstrapConfig) (*Facts, error) {
	f := &Facts{RunID: runID, Outfalls: len(events)}
	for _, ev := range events {
		if !math.IsNaN(ev.VolumeMGal) {
			f.TotalVolumeMGal += ev.VolumeMGal
		}
		if !math.IsNaN(ev.DischargeCount) {
			f.TotalDischarges += ev.DischargeCount
		}
	}

	for _, ind := range indicators {
		values := make([]float64, 0, len(blockGroups))
		pop := make([]float64, 0, len(blockGroups))
		exposure := make([]float64, 0, len(blockGroups))
		for _, r := range blockGroups {
			v := r.Indicators[ind]
			values = append(values, v)
			pop = append(pop, r.Population)
			// Exposure weight: residents times the discharge volume
			// attributed to their block group.
			exposure = append(exposure, r.Population*r.VolumeMGal)
		}

		boot, err := stats.BootstrapWeightedMean(values, exposure, cfg.Resamples, cfg.Seed)
		if err != nil {
			return nil, err
		}

		// An indicator absent from every block group has nothing to bin.
		var bins []stats.Bin
		if !math.IsNaN(stats.Percentile(values, 50)) {
			volumes := make([]float64, len(blockGroups))
			for i, r := range blockGroups {
				volumes[i] = r.VolumeMGal
			}
			bins, err = stats.BinnedComparison(values, volumes, pop, cfg.Resamples, cfg.Seed)
			if err != nil {
				return nil, err
			}
		}

		f.Indicators = append(f.Indicators, IndicatorFacts{
			Indicator:   ind,
			PopWeighted: stats.WeightedMean(values, pop),
			ExpoWeighted: BootStat{
				Mean:   boot.Mean,
				StdDev: boot.StdDev,
				Band:   stats.PercentileBand(boot.Resamples),
			},
			Bins: bins,
		})
	}
	return f, nil
}

// WriteFacts renders the facts summary as YAML.
func WriteFacts(path string, f *Facts) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal facts")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "pipeline: write facts to %s", path)
	}
	return nil
}
