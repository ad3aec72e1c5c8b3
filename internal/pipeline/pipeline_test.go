package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nesanders/MAenvironmentaldata/internal/attribution"
	"github.com/nesanders/MAenvironmentaldata/internal/config"
	"github.com/nesanders/MAenvironmentaldata/internal/geodata"
	"github.com/nesanders/MAenvironmentaldata/internal/model"
	"github.com/nesanders/MAenvironmentaldata/internal/store"
)

// stubStore records everything the pipeline persists and serves canned
// demographics. Events come from the CSV path, so LoadEvents stays unused.
type stubStore struct {
	demographics []model.DemographicRecord

	migrations  int
	runs        []model.RunSummary
	savedEvents []model.DischargeEvent
	savedAttrs  []model.Attribution
	savedAggs   map[model.Family][]model.AggregateRow
}

func (s *stubStore) LoadEvents(context.Context) ([]model.DischargeEvent, model.LoadStats, error) {
	return nil, model.LoadStats{}, nil
}

func (s *stubStore) LoadDemographics(_ context.Context, _ []string) ([]model.DemographicRecord, model.LoadStats, error) {
	return s.demographics, model.LoadStats{Loaded: len(s.demographics)}, nil
}

func (s *stubStore) SaveRun(_ context.Context, summary model.RunSummary) error {
	s.runs = append(s.runs, summary)
	return nil
}

func (s *stubStore) SaveEvents(_ context.Context, _ string, events []model.DischargeEvent) error {
	s.savedEvents = append(s.savedEvents, events...)
	return nil
}

func (s *stubStore) SaveAttributions(_ context.Context, _ string, attrs []model.Attribution) error {
	s.savedAttrs = append(s.savedAttrs, attrs...)
	return nil
}

func (s *stubStore) SaveAggregates(_ context.Context, _ string, rows []model.AggregateRow) error {
	if s.savedAggs == nil {
		s.savedAggs = make(map[model.Family][]model.AggregateRow)
	}
	if len(rows) > 0 {
		s.savedAggs[rows[0].Family] = append(s.savedAggs[rows[0].Family], rows...)
	}
	return nil
}

func (s *stubStore) ListAggregates(context.Context, store.AggregateFilter) ([]model.AggregateRow, error) {
	return nil, nil
}

func (s *stubStore) Migrate(context.Context) error {
	s.migrations++
	return nil
}

func (s *stubStore) Close() error { return nil }

func boxFeature(idField, id string, lonMin, latMin, lonMax, latMax float64) string {
	return fmt.Sprintf(`{"type":"Feature","properties":{%q:%q},"geometry":{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]}}`,
		idField, id,
		lonMin, latMin, lonMax, latMin, lonMax, latMax, lonMin, latMax, lonMin, latMin)
}

func featureCollection(features ...string) string {
	return `{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeBoundaries lays a 2x2 block-group grid over a patch of eastern
// Massachusetts, with towns splitting it west/east and watersheds
// splitting it south/north.
func writeBoundaries(t *testing.T, dir string) (bg, muni, shed string) {
	t.Helper()
	bg = writeTestFile(t, dir, "block_groups.geojson", featureCollection(
		boxFeature("GEOID", "bg-sw", -71.10, 42.30, -71.05, 42.35),
		boxFeature("GEOID", "bg-nw", -71.10, 42.35, -71.05, 42.40),
		boxFeature("GEOID", "bg-se", -71.05, 42.30, -71.00, 42.35),
		boxFeature("GEOID", "bg-ne", -71.05, 42.35, -71.00, 42.40),
	))
	muni = writeTestFile(t, dir, "towns.geojson", featureCollection(
		boxFeature("TOWN", "BOSTON", -71.10, 42.30, -71.05, 42.40),
		boxFeature("TOWN", "CAMBRIDGE", -71.05, 42.30, -71.00, 42.40),
	))
	shed = writeTestFile(t, dir, "watersheds.geojson", featureCollection(
		boxFeature("NAME", "CHARLES", -71.10, 42.30, -71.00, 42.35),
		boxFeature("NAME", "MYSTIC", -71.10, 42.35, -71.00, 42.40),
	))
	return bg, muni, shed
}

const eventsCSV = `Latitude,Longitude,2011_Discharges_MGal,2011_Discharge_N,Nearest_Pipe_Address,DischargesBody,Municipality,ReporterClass
42.325,-71.075,10,5,1 Main St,Charles River,Boston,Sewer Operator
42.375,-71.025,4,2,2 Elm St,Mystic River,Cambridge,Sewer Operator
,,3,1,3 Oak St,Unknown,Somerville,Sewer Operator
`

func testDemographics() []model.DemographicRecord {
	return []model.DemographicRecord{
		{BlockGroupID: "bg-sw", Population: 100, Indicators: map[string]float64{"MINORPCT": 0.2}},
		{BlockGroupID: "bg-nw", Population: 50, Indicators: map[string]float64{"MINORPCT": 0.6}},
		{BlockGroupID: "bg-se", Population: 200, Indicators: map[string]float64{"MINORPCT": 0.1}},
		{BlockGroupID: "bg-ne", Population: 150, Indicators: map[string]float64{"MINORPCT": 0.4}},
	}
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	bg, muni, shed := writeBoundaries(t, dir)
	events := writeTestFile(t, dir, "events.csv", eventsCSV)
	return &config.Config{
		Geo: config.GeoConfig{
			BlockGroupPath:   bg,
			MunicipalityPath: muni,
			WatershedPath:    shed,
			EventsCSV:        events,
			Projection:       string(geodata.MassMainlandCRS),
			Workers:          2,
		},
		Attribution: config.AttributionConfig{Mode: mode, RadiusMiles: 1},
		Bootstrap:   config.BootstrapConfig{Resamples: 50, Seed: 14},
		Output:      config.OutputConfig{FactsPath: filepath.Join(dir, "facts.yml")},
	}
}

func findAggRow(t *testing.T, rows []model.AggregateRow, id string) model.AggregateRow {
	t.Helper()
	for _, r := range rows {
		if r.RegionID == id {
			return r
		}
	}
	t.Fatalf("no aggregate row for region %q", id)
	return model.AggregateRow{}
}

func TestPipelineRunExact(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "exact")
	st := &stubStore{demographics: testDemographics()}

	result, err := New(cfg, st, nil).Run(context.Background())
	require.NoError(t, err)

	sum := result.Summary
	assert.Equal(t, "exact", sum.Mode)
	assert.Equal(t, 3, sum.Events)
	assert.Equal(t, 1, sum.EventsNoCoords)
	assert.Equal(t, 0, sum.Unattributable)
	assert.Equal(t, 0, sum.UnlabeledBG)
	assert.Zero(t, sum.RadiusMeters)
	assert.NotEmpty(t, sum.RunID)

	bgRows := result.Aggregates[model.FamilyBlockGroup]
	require.Len(t, bgRows, 4)
	sw := findAggRow(t, bgRows, "bg-sw")
	assert.InDelta(t, 10, sw.VolumeMGal, 1e-9)
	assert.InDelta(t, 5, sw.DischargeCount, 1e-9)
	assert.InDelta(t, 100, sw.Population, 1e-9)
	assert.InDelta(t, 0.2, sw.Indicators["MINORPCT"], 1e-9)
	ne := findAggRow(t, bgRows, "bg-ne")
	assert.InDelta(t, 4, ne.VolumeMGal, 1e-9)
	assert.Zero(t, findAggRow(t, bgRows, "bg-nw").VolumeMGal)
	assert.Zero(t, findAggRow(t, bgRows, "bg-se").VolumeMGal)

	muniRows := result.Aggregates[model.FamilyMunicipality]
	require.Len(t, muniRows, 2)
	boston := findAggRow(t, muniRows, "BOSTON")
	assert.InDelta(t, 10, boston.VolumeMGal, 1e-9)
	assert.InDelta(t, 150, boston.Population, 1e-9)
	assert.InDelta(t, (0.2*100+0.6*50)/150, boston.Indicators["MINORPCT"], 1e-9)
	cambridge := findAggRow(t, muniRows, "CAMBRIDGE")
	assert.InDelta(t, 4, cambridge.VolumeMGal, 1e-9)
	assert.InDelta(t, 350, cambridge.Population, 1e-9)

	shedRows := result.Aggregates[model.FamilyWatershed]
	require.Len(t, shedRows, 2)
	assert.InDelta(t, 10, findAggRow(t, shedRows, "CHARLES").VolumeMGal, 1e-9)
	assert.InDelta(t, 300, findAggRow(t, shedRows, "CHARLES").Population, 1e-9)
	assert.InDelta(t, 4, findAggRow(t, shedRows, "MYSTIC").VolumeMGal, 1e-9)

	// Reported towns match the attributed ones up to casing.
	assert.Empty(t, result.Mismatches)

	require.NotNil(t, result.Facts)
	assert.InDelta(t, 17, result.Facts.TotalVolumeMGal, 1e-9)
	assert.InDelta(t, 8, result.Facts.TotalDischarges, 1e-9)
	assert.Equal(t, 3, result.Facts.Outfalls)
	assert.Len(t, result.Facts.Indicators, len(geodata.DefaultIndicators))

	// Persisted outputs mirror the result.
	assert.Equal(t, 1, st.migrations)
	require.Len(t, st.runs, 1)
	assert.Equal(t, sum, st.runs[0])
	assert.Len(t, st.savedEvents, 3)
	assert.Len(t, st.savedAttrs, 6, "two located events across three families")
	assert.Len(t, st.savedAggs, 3)

	data, err := os.ReadFile(cfg.Output.FactsPath)
	require.NoError(t, err)
	var facts map[string]any
	require.NoError(t, yaml.Unmarshal(data, &facts))
	assert.Contains(t, facts, "cso_total_volume_mgal")
	assert.Contains(t, facts, "indicators")
}

func TestPipelineRunBuffered(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "buffered")
	st := &stubStore{demographics: testDemographics()}

	result, err := New(cfg, st, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "buffered", result.Summary.Mode)
	assert.InDelta(t, geodata.MetersPerMile, result.Summary.RadiusMeters, 1e-9)

	// Duplication weights conserve each event's totals across the family.
	var volume, count float64
	for _, r := range result.Aggregates[model.FamilyBlockGroup] {
		assert.True(t, r.Smoothed)
		volume += r.VolumeMGal
		count += r.DischargeCount
	}
	assert.InDelta(t, 14, volume, 1e-6)
	assert.InDelta(t, 7, count, 1e-6)
}

// A wide buffer splits block-group weights across the whole grid, but
// municipalities and watersheds keep whole-event exact attributions, so
// the self-report diagnostic stays clean.
func TestPipelineRunBufferedParentFamiliesExact(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "buffered")
	cfg.Attribution.RadiusMiles = 5
	st := &stubStore{demographics: testDemographics()}

	result, err := New(cfg, st, nil).Run(context.Background())
	require.NoError(t, err)

	byFamily := make(map[model.Family][]model.Attribution)
	for _, a := range st.savedAttrs {
		byFamily[a.Family] = append(byFamily[a.Family], a)
	}

	// Both located events reach all four block groups at this radius.
	require.Len(t, byFamily[model.FamilyBlockGroup], 8)
	for _, a := range byFamily[model.FamilyBlockGroup] {
		assert.InDelta(t, 0.25, a.Weight, 1e-9)
	}

	require.Len(t, byFamily[model.FamilyMunicipality], 2)
	for _, a := range byFamily[model.FamilyMunicipality] {
		assert.InDelta(t, 1, a.Weight, 1e-9)
	}
	require.Len(t, byFamily[model.FamilyWatershed], 2)

	boston := findAggRow(t, result.Aggregates[model.FamilyMunicipality], "BOSTON")
	assert.InDelta(t, 10, boston.VolumeMGal, 1e-9)
	assert.False(t, boston.Smoothed)
	for _, r := range result.Aggregates[model.FamilyBlockGroup] {
		assert.True(t, r.Smoothed)
	}
	for _, r := range result.Aggregates[model.FamilyWatershed] {
		assert.False(t, r.Smoothed)
	}

	assert.Empty(t, result.Mismatches, "self-reports agree with the exact attributions")
}

func TestPipelineRunRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "voronoi")
	st := &stubStore{demographics: testDemographics()}

	_, err := New(cfg, st, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voronoi")
	assert.Empty(t, st.runs, "nothing persisted on a rejected run")
}

func TestPipelineRunAttribution(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "exact")
	st := &stubStore{demographics: testDemographics()}

	sum, err := New(cfg, st, nil).RunAttribution(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Events)
	assert.Equal(t, 1, sum.EventsNoCoords)
	assert.Len(t, st.savedAttrs, 6)
	assert.Len(t, st.savedEvents, 3)
	require.Len(t, st.runs, 1)
	assert.Equal(t, *sum, st.runs[0])
	assert.Empty(t, st.savedAggs, "attribution-only runs skip aggregation")
}

// sameFloat treats two NaNs as equal; aggregate rows carry NaN slots for
// indicators without demographic coverage.
func sameFloat(t *testing.T, want, got float64, msg string) {
	t.Helper()
	if math.IsNaN(want) {
		assert.True(t, math.IsNaN(got), msg)
		return
	}
	assert.InDelta(t, want, got, 1e-9, msg)
}

func assertSameAggregates(t *testing.T, want, got map[model.Family][]model.AggregateRow) {
	t.Helper()
	require.Len(t, got, len(want))
	for fam, wantRows := range want {
		gotRows := got[fam]
		require.Len(t, gotRows, len(wantRows))
		for i, w := range wantRows {
			g := gotRows[i]
			assert.Equal(t, w.RegionID, g.RegionID)
			assert.Equal(t, w.Smoothed, g.Smoothed)
			sameFloat(t, w.VolumeMGal, g.VolumeMGal, w.RegionID+" volume")
			sameFloat(t, w.DischargeCount, g.DischargeCount, w.RegionID+" count")
			sameFloat(t, w.Population, g.Population, w.RegionID+" population")
			require.Len(t, g.Indicators, len(w.Indicators))
			for name, wv := range w.Indicators {
				sameFloat(t, wv, g.Indicators[name], w.RegionID+" "+name)
			}
		}
	}
}

func TestPipelineCacheTransparency(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "buffered")
	baseline, err := New(cfg, &stubStore{demographics: testDemographics()}, nil).Run(context.Background())
	require.NoError(t, err)

	cache, err := attribution.NewDiskCache(t.TempDir())
	require.NoError(t, err)

	cold, err := New(cfg, &stubStore{demographics: testDemographics()}, cache).Run(context.Background())
	require.NoError(t, err)
	warm, err := New(cfg, &stubStore{demographics: testDemographics()}, cache).Run(context.Background())
	require.NoError(t, err)

	assertSameAggregates(t, baseline.Aggregates, cold.Aggregates)
	assertSameAggregates(t, baseline.Aggregates, warm.Aggregates)
	assert.Equal(t, baseline.Summary.Unattributable, warm.Summary.Unattributable)
	assert.Equal(t, baseline.Summary.Ambiguous, warm.Summary.Ambiguous)
}
