package spatial

import (
	"math"

	"github.com/ctessum/geom"
	"github.com/rotisserie/eris"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// LinearIndex is a pairwise-scan RegionIndex kept as a correctness
// reference. It is NOT the default: cost is O(points x regions), which is
// quadratic-scale on the full dataset (tens of thousands of block groups
// against thousands of query points). Use NewIndex outside of tests.
type LinearIndex struct {
	family  model.Family
	regions []model.Region
}

// NewLinearIndex builds the reference index, with the same preconditions
// as NewIndex.
func NewLinearIndex(set *model.RegionSet) (*LinearIndex, error) {
	if set == nil || len(set.Regions) == 0 {
		return nil, eris.Errorf("spatial: empty region set for family %q", familyOf(set))
	}
	if set.CRS.Geographic() {
		return nil, eris.Errorf("spatial: region set %q is in a geographic CRS; reproject before indexing", set.Family)
	}
	return &LinearIndex{family: set.Family, regions: set.Regions}, nil
}

func (x *LinearIndex) Family() model.Family { return x.family }

func (x *LinearIndex) Regions() []model.Region { return x.regions }

func (x *LinearIndex) Contains(p geom.Point) []int {
	var out []int
	for i := range x.regions {
		if p.Within(x.regions[i].Geom) != geom.Outside {
			out = append(out, i)
		}
	}
	return out
}

func (x *LinearIndex) Nearest(p geom.Point) (int, float64) {
	best, bestD := -1, math.Inf(1)
	for i := range x.regions {
		if d := PointPolygonDistance(p, x.regions[i].Geom); d < bestD {
			best, bestD = i, d
		}
	}
	return best, bestD
}

func (x *LinearIndex) WithinDistance(p geom.Point, r float64) []int {
	var out []int
	for i := range x.regions {
		if PointPolygonDistance(p, x.regions[i].Geom) <= r {
			out = append(out, i)
		}
	}
	return out
}
