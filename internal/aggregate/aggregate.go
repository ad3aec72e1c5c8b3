// Package aggregate folds event attributions and block-group demographics
// into per-region discharge totals and population-weighted indicator
// averages.
package aggregate

import (
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

var townCaser = cases.Upper(language.AmericanEnglish)

// CanonicalTown normalizes a municipality name for comparison across
// sources that disagree on casing: the MassGIS TOWNS layer is uppercase,
// the NECIR table is mixed case.
func CanonicalTown(name string) string {
	return townCaser.String(strings.TrimSpace(name))
}

// Input bundles everything one family's aggregation needs. Labels is only
// consulted for parent families (municipality, watershed), where block-group
// demographics roll up through centroid-derived memberships; block groups
// join demographics directly on their own ID.
type Input struct {
	Family       model.Family
	Attributions []model.Attribution
	Events       []model.DischargeEvent
	Demographics []model.DemographicRecord
	Labels       map[string]model.ParentLabels
	Indicators   []string
	Smoothed     bool // buffered-mode totals are fractional mixtures
}

// Aggregate produces one row per region that received any attribution or
// any demographic membership. Discharge totals are weight-scaled sums with
// NaN contributions skipped. Indicator averages are population-weighted
// with joint NaN exclusion; a region with zero usable population gets NaN
// averages, never a panic.
func Aggregate(in Input) ([]model.AggregateRow, error) {
	if !in.Family.Valid() {
		return nil, eris.Errorf("aggregate: unknown family %q", in.Family)
	}

	events := make(map[string]*model.DischargeEvent, len(in.Events))
	for i := range in.Events {
		events[in.Events[i].ID] = &in.Events[i]
	}

	rows := make(map[string]*model.AggregateRow)
	row := func(id string) *model.AggregateRow {
		r, ok := rows[id]
		if !ok {
			r = &model.AggregateRow{
				Family:     in.Family,
				RegionID:   id,
				Indicators: make(map[string]float64, len(in.Indicators)),
				Smoothed:   in.Smoothed,
			}
			rows[id] = r
		}
		return r
	}

	missing := 0
	for _, a := range in.Attributions {
		if a.Family != in.Family {
			return nil, eris.Errorf("aggregate: attribution family %q in %q aggregation", a.Family, in.Family)
		}
		ev, ok := events[a.EventID]
		if !ok {
			missing++
			continue
		}
		r := row(a.RegionID)
		if !math.IsNaN(ev.VolumeMGal) {
			r.VolumeMGal += a.Weight * ev.VolumeMGal
		}
		if !math.IsNaN(ev.DischargeCount) {
			r.DischargeCount += a.Weight * ev.DischargeCount
		}
	}
	if missing > 0 {
		zap.L().Warn("aggregate: attributions referenced unknown events",
			zap.String("family", string(in.Family)),
			zap.Int("count", missing))
	}

	// Group demographic records under their region for this family.
	members := make(map[string][]model.DemographicRecord)
	for _, d := range in.Demographics {
		id := d.BlockGroupID
		if in.Family != model.FamilyBlockGroup {
			labels, ok := in.Labels[d.BlockGroupID]
			if !ok {
				continue
			}
			switch in.Family {
			case model.FamilyMunicipality:
				id = labels.Municipality
			case model.FamilyWatershed:
				id = labels.Watershed
			}
			if id == "" {
				continue
			}
		}
		members[id] = append(members[id], d)
	}

	for id, recs := range members {
		r := row(id)
		for _, d := range recs {
			if !math.IsNaN(d.Population) {
				r.Population += d.Population
			}
		}
		for _, name := range in.Indicators {
			r.Indicators[name] = weightedIndicator(recs, name)
		}
	}
	// Regions with attributions but no demographic coverage still need
	// indicator slots, as NaN.
	for _, r := range rows {
		for _, name := range in.Indicators {
			if _, ok := r.Indicators[name]; !ok {
				r.Indicators[name] = math.NaN()
			}
		}
	}

	out := make([]model.AggregateRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })

	zap.L().Info("aggregate: family complete",
		zap.String("family", string(in.Family)),
		zap.Int("regions", len(out)),
		zap.Int("attributions", len(in.Attributions)))
	return out, nil
}

// weightedIndicator computes the population-weighted mean of one indicator
// across a region's member records. Rows with a NaN population or a NaN
// indicator value drop out of both numerator and denominator.
func weightedIndicator(recs []model.DemographicRecord, name string) float64 {
	var num, den float64
	for _, d := range recs {
		v := d.Indicator(name)
		if math.IsNaN(v) || math.IsNaN(d.Population) {
			continue
		}
		num += v * d.Population
		den += d.Population
	}
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

// Series is the flat (indicator, volume, population) triple consumed by the
// downstream regression and chart tooling. Slices are parallel and contain
// only rows where all three values are finite.
type Series struct {
	Indicator  []float64
	VolumeMGal []float64
	Population []float64
	RegionIDs  []string
}

// RegressionSeries extracts one indicator's series from aggregated rows,
// dropping any row where the indicator, volume, or population is NaN.
func RegressionSeries(rows []model.AggregateRow, indicator string) Series {
	var s Series
	for _, r := range rows {
		v, ok := r.Indicators[indicator]
		if !ok || math.IsNaN(v) || math.IsNaN(r.VolumeMGal) || math.IsNaN(r.Population) {
			continue
		}
		s.Indicator = append(s.Indicator, v)
		s.VolumeMGal = append(s.VolumeMGal, r.VolumeMGal)
		s.Population = append(s.Population, r.Population)
		s.RegionIDs = append(s.RegionIDs, r.RegionID)
	}
	return s
}

// Mismatch records one event whose self-reported municipality disagrees
// with the spatially attributed town.
type Mismatch struct {
	EventID    string `json:"event_id"`
	Reported   string `json:"reported"`
	Attributed string `json:"attributed"`
}

// ReportMismatches compares each event's reported municipality against its
// municipality-family attribution. Comparison is case-insensitive after
// trimming; events without a reported municipality are skipped.
func ReportMismatches(attributions []model.Attribution, events []model.DischargeEvent) []Mismatch {
	reported := make(map[string]string, len(events))
	for _, ev := range events {
		if m := strings.TrimSpace(ev.ReportedMunicipality); m != "" {
			reported[ev.ID] = m
		}
	}

	var out []Mismatch
	for _, a := range attributions {
		if a.Family != model.FamilyMunicipality {
			continue
		}
		rep, ok := reported[a.EventID]
		if !ok {
			continue
		}
		if CanonicalTown(rep) != CanonicalTown(a.RegionID) {
			out = append(out, Mismatch{EventID: a.EventID, Reported: rep, Attributed: a.RegionID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	if len(out) > 0 {
		zap.L().Info("aggregate: municipality self-report mismatches",
			zap.Int("count", len(out)))
	}
	return out
}
