package attribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// Cache memoizes serialized results of expensive pure computations, keyed
// by a content hash of their full inputs. It is strictly an optimization:
// resolve and propagate behave identically with a nil cache, and a cache
// hit must reproduce the uncached output byte for byte.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte) error
}

// DiskCache stores one file per key under a local directory, surviving
// across pipeline invocations.
type DiskCache struct {
	dir string
}

// NewDiskCache creates the cache directory if needed.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "attribution: create cache dir %s", dir)
	}
	return &DiskCache{dir: dir}, nil
}

func (c *DiskCache) Get(key string) ([]byte, bool) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *DiskCache) Put(key string, data []byte) error {
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "attribution: write cache entry")
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		return eris.Wrap(err, "attribution: finalize cache entry")
	}
	return nil
}

func (c *DiskCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// contentKey hashes an operation name and its JSON-encoded inputs into a
// stable hex key. Any change to geometry, events, or parameters changes
// the key, so stale entries can never be served.
func contentKey(op string, parts ...any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n", op)
	enc := json.NewEncoder(h)
	for _, p := range parts {
		// Encoding cannot fail for the fixed input shapes used here.
		_ = enc.Encode(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// regionFingerprint condenses a region set into per-region digests of the
// full coordinate stream. Any vertex change invalidates the key, including
// reshapes that keep the region's ID and bounding box intact.
func regionFingerprint(regions []model.Region) []any {
	out := make([]any, 0, len(regions))
	for i := range regions {
		h := sha256.New()
		for _, pg := range regions[i].Geom.Polygons() {
			for _, ring := range pg {
				for _, pt := range ring {
					fmt.Fprintf(h, "%x,%x;", math.Float64bits(pt.X), math.Float64bits(pt.Y))
				}
				fmt.Fprint(h, "|")
			}
		}
		out = append(out, []any{regions[i].ID, hex.EncodeToString(h.Sum(nil))})
	}
	return out
}

func eventFingerprint(events []model.DischargeEvent) []any {
	out := make([]any, 0, len(events))
	for i := range events {
		out = append(out, []any{events[i].ID, events[i].HasCoords, events[i].Point.X, events[i].Point.Y})
	}
	return out
}

// ResolveCached runs the given resolve mode through the cache. A nil cache
// falls straight through.
func ResolveCached(ctx context.Context, c Cache, r *Resolver, mode Mode, events []model.DischargeEvent, radius float64) (*Result, error) {
	run := func() (*Result, error) {
		if mode == ModeBuffered {
			return r.ResolveBuffered(ctx, events, radius)
		}
		return r.ResolveExact(ctx, events)
	}
	if c == nil {
		return run()
	}

	key := contentKey("resolve",
		string(mode), radius, string(r.idx.Family()),
		regionFingerprint(r.idx.Regions()), eventFingerprint(events))
	if data, ok := c.Get(key); ok {
		var res Result
		if err := json.Unmarshal(data, &res); err == nil {
			zap.L().Debug("attribution: resolve cache hit", zap.String("key", key))
			return &res, nil
		}
		// Corrupt entry: fall through and overwrite.
	}

	res, err := run()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(res); err == nil {
		if err := c.Put(key, data); err != nil {
			zap.L().Warn("attribution: cache write failed", zap.Error(err))
		}
	}
	return res, nil
}

// PropagateCached runs label propagation through the cache. A nil cache
// falls straight through.
func PropagateCached(c Cache, blockGroups, munis, sheds []model.Region, propagate func() (map[string]model.ParentLabels, *PropagateStats, error)) (map[string]model.ParentLabels, *PropagateStats, error) {
	if c == nil {
		return propagate()
	}

	key := contentKey("propagate",
		regionFingerprint(blockGroups),
		regionFingerprint(munis),
		regionFingerprint(sheds))
	if data, ok := c.Get(key); ok {
		var cached struct {
			Labels map[string]model.ParentLabels `json:"labels"`
			Stats  *PropagateStats               `json:"stats"`
		}
		if err := json.Unmarshal(data, &cached); err == nil && cached.Stats != nil {
			zap.L().Debug("attribution: propagate cache hit", zap.String("key", key))
			return cached.Labels, cached.Stats, nil
		}
	}

	labels, stats, err := propagate()
	if err != nil {
		return nil, nil, err
	}
	payload := struct {
		Labels map[string]model.ParentLabels `json:"labels"`
		Stats  *PropagateStats               `json:"stats"`
	}{labels, stats}
	if data, err := json.Marshal(payload); err == nil {
		if err := c.Put(key, data); err != nil {
			zap.L().Warn("attribution: cache write failed", zap.Error(err))
		}
	}
	return labels, stats, nil
}
