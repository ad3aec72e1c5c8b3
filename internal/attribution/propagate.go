package attribution

import (
	"context"

	"github.com/ctessum/geom"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
	"github.com/nesanders/MAenvironmentaldata/internal/spatial"
)

// PropagateStats counts block groups the centroid test could not label.
// Unlabeled rows are excluded from the parent family's aggregation, never
// grouped under a sentinel bucket.
type PropagateStats struct {
	BlockGroups    int `json:"block_groups"`
	NoMunicipality int `json:"no_municipality"`
	NoWatershed    int `json:"no_watershed"`
	Ambiguous      int `json:"ambiguous"`
}

// Propagate derives each block group's municipality and watershed by
// testing its polygon centroid against the parent indexes. Centroids are
// used deliberately: block groups are small relative to their parents, so
// a full overlap test would cost far more and rarely change the answer.
func Propagate(ctx context.Context, blockGroups *model.RegionSet, munis, sheds spatial.RegionIndex, workers int) (map[string]model.ParentLabels, *PropagateStats, error) {
	if blockGroups == nil || len(blockGroups.Regions) == 0 {
		return nil, nil, eris.New("attribution: empty block group set")
	}
	if blockGroups.CRS.Geographic() {
		return nil, nil, eris.New("attribution: block groups are in a geographic CRS; reproject before label propagation")
	}

	stats := &PropagateStats{BlockGroups: len(blockGroups.Regions)}
	centroids := make([]geom.Point, len(blockGroups.Regions))
	for i := range blockGroups.Regions {
		centroids[i] = blockGroups.Regions[i].Centroid
	}

	muniIDs, muniMissing, muniAmb, err := assignParents(ctx, centroids, blockGroups, munis, workers)
	if err != nil {
		return nil, nil, err
	}
	shedIDs, shedMissing, shedAmb, err := assignParents(ctx, centroids, blockGroups, sheds, workers)
	if err != nil {
		return nil, nil, err
	}
	stats.NoMunicipality = muniMissing
	stats.NoWatershed = shedMissing
	stats.Ambiguous = muniAmb + shedAmb

	labels := make(map[string]model.ParentLabels, len(blockGroups.Regions))
	for i := range blockGroups.Regions {
		labels[blockGroups.Regions[i].ID] = model.ParentLabels{
			Municipality: muniIDs[i],
			Watershed:    shedIDs[i],
		}
	}

	zap.L().Info("attribution: labels propagated",
		zap.Int("block_groups", stats.BlockGroups),
		zap.Int("no_municipality", stats.NoMunicipality),
		zap.Int("no_watershed", stats.NoWatershed),
		zap.Int("ambiguous", stats.Ambiguous),
	)
	return labels, stats, nil
}

// assignParents maps each centroid to the ID of the containing parent
// region, "" when none contains it. Multiple containers use the same
// deterministic first-match tie-break as event resolution.
func assignParents(ctx context.Context, centroids []geom.Point, children *model.RegionSet, parent spatial.RegionIndex, workers int) ([]string, int, int, error) {
	matches, err := spatial.ContainsBatch(ctx, parent, centroids, workers)
	if err != nil {
		return nil, 0, 0, eris.Wrapf(err, "attribution: %s centroid containment", parent.Family())
	}

	parentRegions := parent.Regions()
	ids := make([]string, len(centroids))
	missing, ambiguous := 0, 0
	for i, m := range matches {
		switch {
		case len(m) == 0:
			missing++
			zap.L().Warn("attribution: block group centroid outside every parent region",
				zap.String("block_group", children.Regions[i].ID),
				zap.String("parent_family", string(parent.Family())),
			)
		case len(m) > 1:
			ambiguous++
			ids[i] = parentRegions[m[0]].ID
			zap.L().Warn("attribution: block group centroid in multiple parent regions, using first",
				zap.String("block_group", children.Regions[i].ID),
				zap.String("parent_family", string(parent.Family())),
				zap.String("chosen", ids[i]),
			)
		default:
			ids[i] = parentRegions[m[0]].ID
		}
	}
	return ids, missing, ambiguous, nil
}
