package pipeline

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nesanders/MAenvironmentaldata/internal/config"
	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

func TestBuildFacts(t *testing.T) {
	t.Parallel()

	events := []model.DischargeEvent{
		{ID: "cso-0", VolumeMGal: 10, DischargeCount: 5},
		{ID: "cso-1", VolumeMGal: 3, DischargeCount: math.NaN()},
		{ID: "cso-2", VolumeMGal: math.NaN(), DischargeCount: 2},
	}
	blockGroups := []model.AggregateRow{
		{RegionID: "bg-0", VolumeMGal: 10, Population: 100, Indicators: map[string]float64{"MINORPCT": 0.2}},
		{RegionID: "bg-1", VolumeMGal: 2, Population: 50, Indicators: map[string]float64{"MINORPCT": 0.6}},
		{RegionID: "bg-2", VolumeMGal: 1, Population: 200, Indicators: map[string]float64{"MINORPCT": 0.1}},
	}

	f, err := BuildFacts("run-1", events, blockGroups, []string{"MINORPCT"}, config.BootstrapConfig{Resamples: 200, Seed: 14})
	require.NoError(t, err)

	assert.Equal(t, "run-1", f.RunID)
	assert.Equal(t, 3, f.Outfalls)
	assert.InDelta(t, 13, f.TotalVolumeMGal, 1e-12)
	assert.InDelta(t, 7, f.TotalDischarges, 1e-12)

	require.Len(t, f.Indicators, 1)
	ind := f.Indicators[0]
	assert.Equal(t, "MINORPCT", ind.Indicator)

	popWant := (0.2*100 + 0.6*50 + 0.1*200) / 350
	assert.InDelta(t, popWant, ind.PopWeighted, 1e-12)

	// Exposure weighting shifts toward the high-volume block groups, so
	// the estimate must land between the extremes and above the baseline.
	assert.False(t, math.IsNaN(ind.ExpoWeighted.Mean))
	assert.GreaterOrEqual(t, ind.ExpoWeighted.Mean, 0.1)
	assert.LessOrEqual(t, ind.ExpoWeighted.Mean, 0.6)
	assert.GreaterOrEqual(t, ind.ExpoWeighted.Band.High, ind.ExpoWeighted.Band.Low)

	require.Len(t, ind.Bins, 4)
	total := 0
	for _, b := range ind.Bins {
		total += b.Count
	}
	assert.Equal(t, len(blockGroups), total)
}

func TestBuildFactsAllNaNIndicator(t *testing.T) {
	t.Parallel()

	blockGroups := []model.AggregateRow{
		{RegionID: "bg-0", VolumeMGal: 1, Population: 100, Indicators: map[string]float64{"VULSVI6PCT": math.NaN()}},
	}

	f, err := BuildFacts("run-1", nil, blockGroups, []string{"VULSVI6PCT"}, config.BootstrapConfig{Resamples: 50, Seed: 14})
	require.NoError(t, err)

	require.Len(t, f.Indicators, 1)
	ind := f.Indicators[0]
	assert.True(t, math.IsNaN(ind.PopWeighted))
	assert.True(t, math.IsNaN(ind.ExpoWeighted.Mean))
	assert.Empty(t, ind.Bins, "nothing to bin without finite values")
}

func TestWriteFacts(t *testing.T) {
	t.Parallel()

	f := &Facts{
		RunID:           "run-1",
		TotalVolumeMGal: 2754.6,
		TotalDischarges: 418,
		Outfalls:        196,
	}
	path := filepath.Join(t.TempDir(), "facts_NECIR_CSO.yml")
	require.NoError(t, WriteFacts(path, f))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got Facts
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.InDelta(t, 2754.6, got.TotalVolumeMGal, 1e-9)
	assert.Equal(t, 196, got.Outfalls)
}
