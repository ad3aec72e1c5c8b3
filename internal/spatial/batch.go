package spatial

import (
	"context"
	"runtime"

	"github.com/ctessum/geom"
	"golang.org/x/sync/errgroup"
)

// Per-point queries are independent, so batches fan out across workers and
// write into position i of the result slice: downstream code aligns results
// back to the source event/centroid frame by index.

// ContainsBatch runs Contains for every point, preserving input order.
func ContainsBatch(ctx context.Context, idx RegionIndex, points []geom.Point, workers int) ([][]int, error) {
	out := make([][]int, len(points))
	err := forEachPoint(ctx, len(points), workers, func(i int) {
		out[i] = idx.Contains(points[i])
	})
	return out, err
}

// NearestBatch runs Nearest for every point, preserving input order.
func NearestBatch(ctx context.Context, idx RegionIndex, points []geom.Point, workers int) ([]int, []float64, error) {
	regions := make([]int, len(points))
	dists := make([]float64, len(points))
	err := forEachPoint(ctx, len(points), workers, func(i int) {
		regions[i], dists[i] = idx.Nearest(points[i])
	})
	return regions, dists, err
}

// WithinDistanceBatch runs WithinDistance for every point, preserving
// input order.
func WithinDistanceBatch(ctx context.Context, idx RegionIndex, points []geom.Point, r float64, workers int) ([][]int, error) {
	out := make([][]int, len(points))
	err := forEachPoint(ctx, len(points), workers, func(i int) {
		out[i] = idx.WithinDistance(points[i], r)
	})
	return out, err
}

func forEachPoint(ctx context.Context, n, workers int, fn func(i int)) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
