package spatial

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

const planarCRS = model.CRS("+proj=lcc +lat_0=41 +lon_0=-71.5 +datum=NAD83 +units=m +no_defs")

func square(x, y, side float64) geom.Polygon {
	return geom.Polygon{{
		{X: x, Y: y},
		{X: x + side, Y: y},
		{X: x + side, Y: y + side},
		{X: x, Y: y + side},
	}}
}

// rowSet is three unit squares: A and B share the edge x=1, C sits past a
// one-unit gap.
func rowSet(family model.Family) *model.RegionSet {
	return &model.RegionSet{
		Family: family,
		CRS:    planarCRS,
		Regions: []model.Region{
			{Family: family, ID: "A", Geom: square(0, 0, 1), Centroid: geom.Point{X: 0.5, Y: 0.5}},
			{Family: family, ID: "B", Geom: square(1, 0, 1), Centroid: geom.Point{X: 1.5, Y: 0.5}},
			{Family: family, ID: "C", Geom: square(3, 0, 1), Centroid: geom.Point{X: 3.5, Y: 0.5}},
		},
	}
}

func TestNewIndexRejectsBadSets(t *testing.T) {
	t.Parallel()

	_, err := NewIndex(nil)
	assert.Error(t, err)

	_, err = NewIndex(&model.RegionSet{Family: model.FamilyMunicipality, CRS: planarCRS})
	assert.Error(t, err)

	geo := rowSet(model.FamilyMunicipality)
	geo.CRS = model.CRS("+proj=longlat +datum=WGS84 +no_defs")
	_, err = NewIndex(geo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geographic")
}

func TestIndexContains(t *testing.T) {
	t.Parallel()
	idx, err := NewIndex(rowSet(model.FamilyMunicipality))
	require.NoError(t, err)

	tests := []struct {
		name string
		p    geom.Point
		want []int
	}{
		{"interior of A", geom.Point{X: 0.5, Y: 0.5}, []int{0}},
		{"interior of C", geom.Point{X: 3.5, Y: 0.5}, []int{2}},
		{"shared edge of A and B", geom.Point{X: 1, Y: 0.5}, []int{0, 1}},
		{"gap between B and C", geom.Point{X: 2.5, Y: 0.5}, nil},
		{"far outside", geom.Point{X: 50, Y: 50}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, idx.Contains(tt.p))
		})
	}
}

func TestIndexNearest(t *testing.T) {
	t.Parallel()
	idx, err := NewIndex(rowSet(model.FamilyMunicipality))
	require.NoError(t, err)

	tests := []struct {
		name  string
		p     geom.Point
		want  int
		wantD float64
	}{
		{"contained point has zero distance", geom.Point{X: 0.5, Y: 0.5}, 0, 0},
		{"gap point closer to B", geom.Point{X: 2.4, Y: 0.5}, 1, 0.4},
		{"gap point closer to C", geom.Point{X: 2.8, Y: 0.5}, 2, 0.2},
		{"above A", geom.Point{X: 0.5, Y: 3}, 0, 2},
		{"far right of C", geom.Point{X: 10, Y: 0.5}, 2, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, d := idx.Nearest(tt.p)
			assert.Equal(t, tt.want, got)
			assert.InDelta(t, tt.wantD, d, 1e-9)
		})
	}
}

func TestIndexWithinDistance(t *testing.T) {
	t.Parallel()
	idx, err := NewIndex(rowSet(model.FamilyMunicipality))
	require.NoError(t, err)

	p := geom.Point{X: 2.5, Y: 0.5} // midway through the gap
	assert.Nil(t, idx.WithinDistance(p, 0.4))
	assert.Equal(t, []int{1, 2}, idx.WithinDistance(p, 0.5))
	assert.Equal(t, []int{1, 2}, idx.WithinDistance(p, 0.6))
	assert.Equal(t, []int{0, 1, 2}, idx.WithinDistance(p, 2))
	assert.Equal(t, []int{0}, idx.WithinDistance(geom.Point{X: 0.5, Y: 0.5}, 0))
}

func TestPointPolygonDistance(t *testing.T) {
	t.Parallel()
	sq := square(0, 0, 1)

	assert.Equal(t, 0.0, PointPolygonDistance(geom.Point{X: 0.5, Y: 0.5}, sq))
	assert.Equal(t, 0.0, PointPolygonDistance(geom.Point{X: 0, Y: 0.5}, sq))
	assert.InDelta(t, 1, PointPolygonDistance(geom.Point{X: 2, Y: 0.5}, sq), 1e-12)
	// corner distance is the hypotenuse, not the axis gap
	assert.InDelta(t, math.Sqrt2, PointPolygonDistance(geom.Point{X: 2, Y: 2}, sq), 1e-12)
}

// TestLinearParity cross-checks the R-tree index against the pairwise scan
// over a grid of squares and random query points.
func TestLinearParity(t *testing.T) {
	t.Parallel()

	set := &model.RegionSet{Family: model.FamilyBlockGroup, CRS: planarCRS}
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			set.Regions = append(set.Regions, model.Region{
				Family:   model.FamilyBlockGroup,
				ID:       fmt.Sprintf("bg-%d-%d", i, j),
				Geom:     square(float64(i)*2, float64(j)*2, 1),
				Centroid: geom.Point{X: float64(i)*2 + 0.5, Y: float64(j)*2 + 0.5},
			})
		}
	}

	idx, err := NewIndex(set)
	require.NoError(t, err)
	lin, err := NewLinearIndex(set)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		p := geom.Point{X: rng.Float64()*12 - 1, Y: rng.Float64()*12 - 1}

		assert.Equal(t, lin.Contains(p), idx.Contains(p), "Contains at %+v", p)

		_, wantD := lin.Nearest(p)
		_, gotD := idx.Nearest(p)
		assert.InDelta(t, wantD, gotD, 1e-9, "Nearest at %+v", p)

		assert.Equal(t, lin.WithinDistance(p, 0.75), idx.WithinDistance(p, 0.75), "WithinDistance at %+v", p)
	}
}
