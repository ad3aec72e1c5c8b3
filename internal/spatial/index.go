// Package spatial provides bulk containment, nearest-region, and radius
// queries over a region family. The default Index is R-tree backed; a
// linear-scan reference implementation exists for verification only.
package spatial

import (
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/rotisserie/eris"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// RegionIndex answers point queries over one region family. All three
// methods are pure and safe for concurrent use.
type RegionIndex interface {
	Family() model.Family
	Regions() []model.Region
	// Contains returns the indices of every region whose polygon contains
	// the point (boundary inclusive), ascending. Empty when none do;
	// longer than one only with overlapping source geometry.
	Contains(p geom.Point) []int
	// Nearest returns the index of the closest region and its distance in
	// CRS units. Distance is zero for contained points.
	Nearest(p geom.Point) (int, float64)
	// WithinDistance returns the indices of every region within r of the
	// point, ascending. Equivalent to intersecting a circular buffer of
	// radius r with the region polygons.
	WithinDistance(p geom.Point, r float64) []int
}

// indexedRegion pairs a polygon with its slice position for rtree storage.
type indexedRegion struct {
	geom.Polygonal
	pos int
}

// Index is the R-tree backed RegionIndex.
type Index struct {
	family  model.Family
	regions []model.Region
	tree    *rtree.Rtree
	extent  float64 // max(width, height) of the indexed area
}

// NewIndex bulk-loads a region set into an R-tree. An empty set or a set
// still in geographic coordinates is a configuration error: every distance
// the index computes would be meaningless.
func NewIndex(set *model.RegionSet) (*Index, error) {
	if set == nil || len(set.Regions) == 0 {
		return nil, eris.Errorf("spatial: empty region set for family %q", familyOf(set))
	}
	if set.CRS.Geographic() {
		return nil, eris.Errorf("spatial: region set %q is in a geographic CRS; reproject before indexing", set.Family)
	}

	idx := &Index{
		family:  set.Family,
		regions: set.Regions,
		tree:    rtree.NewTree(25, 50),
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := range set.Regions {
		idx.tree.Insert(&indexedRegion{Polygonal: set.Regions[i].Geom, pos: i})
		b := set.Regions[i].Geom.Bounds()
		minX, minY = math.Min(minX, b.Min.X), math.Min(minY, b.Min.Y)
		maxX, maxY = math.Max(maxX, b.Max.X), math.Max(maxY, b.Max.Y)
	}
	idx.extent = math.Max(maxX-minX, maxY-minY)
	return idx, nil
}

func (x *Index) Family() model.Family { return x.family }

func (x *Index) Regions() []model.Region { return x.regions }

func (x *Index) Contains(p geom.Point) []int {
	var out []int
	for _, s := range x.tree.SearchIntersect(pointBounds(p, 0)) {
		ir := s.(*indexedRegion)
		if p.Within(ir.Polygonal) != geom.Outside {
			out = append(out, ir.pos)
		}
	}
	sort.Ints(out)
	return out
}

func (x *Index) Nearest(p geom.Point) (int, float64) {
	// Expanding-box search: grow until the box holds a candidate, then
	// re-query with the best candidate's true distance to rule out a
	// closer region whose bounding box the smaller window missed.
	r := x.extent / 64
	if r <= 0 {
		r = 1
	}
	for {
		cands := x.tree.SearchIntersect(pointBounds(p, r))
		if len(cands) == 0 {
			if r > x.extent*2 {
				return x.nearestLinear(p)
			}
			r *= 4
			continue
		}
		best, bestD := pickNearest(p, cands)
		if bestD <= r {
			return best, bestD
		}
		final := x.tree.SearchIntersect(pointBounds(p, bestD))
		return pickNearest(p, final)
	}
}

func (x *Index) WithinDistance(p geom.Point, r float64) []int {
	var out []int
	for _, s := range x.tree.SearchIntersect(pointBounds(p, r)) {
		ir := s.(*indexedRegion)
		if PointPolygonDistance(p, ir.Polygonal) <= r {
			out = append(out, ir.pos)
		}
	}
	sort.Ints(out)
	return out
}

// nearestLinear is the no-candidate fallback; it only runs when the search
// box has grown past the whole indexed extent without a hit.
func (x *Index) nearestLinear(p geom.Point) (int, float64) {
	best, bestD := -1, math.Inf(1)
	for i := range x.regions {
		if d := PointPolygonDistance(p, x.regions[i].Geom); d < bestD {
			best, bestD = i, d
		}
	}
	return best, bestD
}

func pickNearest(p geom.Point, cands []geom.Geom) (int, float64) {
	best, bestD := -1, math.Inf(1)
	for _, s := range cands {
		ir := s.(*indexedRegion)
		d := PointPolygonDistance(p, ir.Polygonal)
		if d < bestD || (d == bestD && (best < 0 || ir.pos < best)) {
			best, bestD = ir.pos, d
		}
	}
	return best, bestD
}

func pointBounds(p geom.Point, r float64) *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: p.X - r, Y: p.Y - r},
		Max: geom.Point{X: p.X + r, Y: p.Y + r},
	}
}

// PointPolygonDistance returns the planar distance from a point to a
// polygonal geometry: zero when the point is inside or on the boundary,
// otherwise the minimum distance to any ring segment.
func PointPolygonDistance(p geom.Point, poly geom.Polygonal) float64 {
	if p.Within(poly) != geom.Outside {
		return 0
	}
	d := math.Inf(1)
	for _, pg := range poly.Polygons() {
		for _, ring := range pg {
			n := len(ring)
			for i := 0; i < n; i++ {
				if sd := pointSegmentDistance(p, ring[i], ring[(i+1)%n]); sd < d {
					d = sd
				}
			}
		}
	}
	return d
}

func pointSegmentDistance(p, a, b geom.Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	if dx == 0 && dy == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*dx), p.Y-(a.Y+t*dy))
}

func familyOf(set *model.RegionSet) model.Family {
	if set == nil {
		return ""
	}
	return set.Family
}
