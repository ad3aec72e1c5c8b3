// Package attribution resolves discharge events to reporting regions under
// the exact and buffered policies, and derives block-group to parent-family
// labels by centroid containment.
package attribution

import (
	"context"
	"strings"

	"github.com/ctessum/geom"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
	"github.com/nesanders/MAenvironmentaldata/internal/spatial"
)

// Mode selects the attribution policy for a pipeline run.
type Mode string

const (
	// ModeExact assigns each event to at most one region per family:
	// containment first, nearest region as fallback.
	ModeExact Mode = "exact"
	// ModeBuffered distributes each event across every region within the
	// buffer radius, weighted by 1/duplication. Aggregates produced from
	// it are smoothed estimates, not raw totals.
	ModeBuffered Mode = "buffered"
)

// Valid reports whether m names a known policy.
func (m Mode) Valid() bool { return m == ModeExact || m == ModeBuffered }

// Result carries one resolve run's attributions plus the diagnostic counts
// that accompany every run's outputs.
type Result struct {
	Family         model.Family        `json:"family"`
	Mode           Mode                `json:"mode"`
	Attributions   []model.Attribution `json:"attributions"`
	Unattributable []string            `json:"unattributable,omitempty"` // event IDs
	NoCoords       []string            `json:"no_coords,omitempty"`      // event IDs
	Ambiguous      int                 `json:"ambiguous"`
}

// Resolver attributes events against one region family's index.
type Resolver struct {
	idx     spatial.RegionIndex
	workers int
}

// NewResolver wraps an index. Workers bounds the per-point query
// parallelism; <=0 means GOMAXPROCS.
func NewResolver(idx spatial.RegionIndex, workers int) *Resolver {
	return &Resolver{idx: idx, workers: workers}
}

// ResolveExact attributes every event with usable coordinates to exactly
// one region: the containing polygon, or the nearest one when no polygon
// contains the point. Events without coordinates are recorded in
// Result.NoCoords. An event that matches nothing at all is impossible with
// a non-empty index and reported as a configuration error.
func (r *Resolver) ResolveExact(ctx context.Context, events []model.DischargeEvent) (*Result, error) {
	if len(events) == 0 {
		return nil, eris.New("attribution: empty event set")
	}

	res := &Result{Family: r.idx.Family(), Mode: ModeExact}
	points, lookup := locatable(events, res)

	contains, err := spatial.ContainsBatch(ctx, r.idx, points, r.workers)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: containment query")
	}

	// Nearest fallback only for the points containment missed.
	var fbPoints []geom.Point
	var fbPos []int
	for i, matches := range contains {
		if len(matches) == 0 {
			fbPoints = append(fbPoints, points[i])
			fbPos = append(fbPos, i)
		}
	}
	var fbRegion []int
	if len(fbPoints) > 0 {
		fbRegion, _, err = spatial.NearestBatch(ctx, r.idx, fbPoints, r.workers)
		if err != nil {
			return nil, eris.Wrap(err, "attribution: nearest query")
		}
	}
	nearestAt := make(map[int]int, len(fbPos))
	for i, pos := range fbPos {
		nearestAt[pos] = fbRegion[i]
	}

	regions := r.idx.Regions()
	for i, matches := range contains {
		ev := &events[lookup[i]]
		var region int
		switch {
		case len(matches) == 1:
			region = matches[0]
		case len(matches) > 1:
			region = r.breakTie(ev.ID, matches)
			res.Ambiguous++
		default:
			region = nearestAt[i]
			if region < 0 {
				return nil, eris.Errorf("attribution: no region found for event %s; index is misconfigured", ev.ID)
			}
		}
		res.Attributions = append(res.Attributions, model.Attribution{
			EventID:  ev.ID,
			Family:   r.idx.Family(),
			RegionID: regions[region].ID,
			Weight:   1,
		})
	}
	r.logSummary(res)
	return res, nil
}

// ResolveBuffered attributes each event to every candidate region within
// radius meters of its point, each with weight 1/duplication. The caller
// must have restricted the index to demographically covered regions (see
// FilterCovered) before building it, so duplication counts stay consistent
// with the population-weighting step.
func (r *Resolver) ResolveBuffered(ctx context.Context, events []model.DischargeEvent, radius float64) (*Result, error) {
	if len(events) == 0 {
		return nil, eris.New("attribution: empty event set")
	}
	if radius <= 0 {
		return nil, eris.Errorf("attribution: buffer radius must be positive, got %v", radius)
	}

	res := &Result{Family: r.idx.Family(), Mode: ModeBuffered}
	points, lookup := locatable(events, res)

	within, err := spatial.WithinDistanceBatch(ctx, r.idx, points, radius, r.workers)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: radius query")
	}

	regions := r.idx.Regions()
	for i, matches := range within {
		ev := &events[lookup[i]]
		if len(matches) == 0 {
			res.Unattributable = append(res.Unattributable, ev.ID)
			zap.L().Warn("attribution: buffer intersects no region",
				zap.String("event", ev.ID),
				zap.String("family", string(r.idx.Family())),
				zap.Float64("radius_m", radius),
			)
			continue
		}
		w := 1.0 / float64(len(matches))
		for _, m := range matches {
			res.Attributions = append(res.Attributions, model.Attribution{
				EventID:  ev.ID,
				Family:   r.idx.Family(),
				RegionID: regions[m].ID,
				Weight:   w,
			})
		}
	}
	r.logSummary(res)
	return res, nil
}

// locatable records no-coordinate events on res and returns the points of
// the remainder, plus a lookup from point position to event position.
func locatable(events []model.DischargeEvent, res *Result) ([]geom.Point, []int) {
	var points []geom.Point
	var lookup []int
	for i := range events {
		if !events[i].HasCoords {
			res.NoCoords = append(res.NoCoords, events[i].ID)
			zap.L().Warn("attribution: event has no coordinates, excluded",
				zap.String("event", events[i].ID))
			continue
		}
		points = append(points, events[i].Point)
		lookup = append(lookup, i)
	}
	return points, lookup
}

// breakTie deterministically picks the first match in index order when
// overlapping source polygons both contain a point. Never an error.
func (r *Resolver) breakTie(eventID string, matches []int) int {
	regions := r.idx.Regions()
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = regions[m].ID
	}
	zap.L().Warn("attribution: point contained by multiple regions, using first",
		zap.String("event", eventID),
		zap.String("family", string(r.idx.Family())),
		zap.String("candidates", strings.Join(ids, ",")),
		zap.String("chosen", ids[0]),
	)
	return matches[0]
}

func (r *Resolver) logSummary(res *Result) {
	zap.L().Info("attribution: resolve complete",
		zap.String("family", string(res.Family)),
		zap.String("mode", string(res.Mode)),
		zap.Int("attributions", len(res.Attributions)),
		zap.Int("unattributable", len(res.Unattributable)),
		zap.Int("no_coords", len(res.NoCoords)),
		zap.Int("ambiguous", res.Ambiguous),
	)
}

// FilterCovered restricts a block-group set to regions that have a
// demographic record. Buffered-mode candidacy applies this before the
// distance query so weighted statistics stay well-defined.
func FilterCovered(set *model.RegionSet, demographics []model.DemographicRecord) *model.RegionSet {
	covered := make(map[string]bool, len(demographics))
	for _, d := range demographics {
		covered[d.BlockGroupID] = true
	}
	out := &model.RegionSet{Family: set.Family, CRS: set.CRS}
	for _, reg := range set.Regions {
		if covered[reg.ID] {
			out.Regions = append(out.Regions, reg)
		}
	}
	if dropped := len(set.Regions) - len(out.Regions); dropped > 0 {
		zap.L().Info("attribution: regions without demographic coverage excluded from candidacy",
			zap.String("family", string(set.Family)),
			zap.Int("dropped", dropped),
		)
	}
	return out
}
