package geodata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ctessum/geom"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// LoadRegions reads one region family's boundary file (.json/.geojson or
// .shp), reprojects every polygon through proj, and returns the set along
// with per-record exclusion counts. Records with a missing identifier or an
// unusable geometry are excluded and counted, never fatal. Records sharing
// an identifier are merged into one multipolygon region.
func LoadRegions(family model.Family, path string, proj *Projector) (*model.RegionSet, model.LoadStats, error) {
	var stats model.LoadStats
	if !family.Valid() {
		return nil, stats, eris.Errorf("geodata: unknown region family %q", family)
	}

	var set *model.RegionSet
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".geojson":
		set, stats, err = loadRegionsGeoJSON(family, path, proj)
	case ".shp":
		set, stats, err = loadRegionsShapefile(family, path, proj)
	default:
		return nil, stats, eris.Errorf("geodata: unsupported boundary format %q", ext)
	}
	if err != nil {
		return nil, stats, err
	}

	if stats.Excluded() > 0 {
		zap.L().Warn("geodata: excluded boundary records",
			zap.String("family", string(family)),
			zap.String("path", path),
			zap.Int("bad_geometry", stats.BadGeometry),
			zap.Int("missing_id", stats.MissingID),
		)
	}
	zap.L().Info("geodata: regions loaded",
		zap.String("family", string(family)),
		zap.Int("regions", len(set.Regions)),
	)
	return set, stats, nil
}

func loadRegionsGeoJSON(family model.Family, path string, proj *Projector) (*model.RegionSet, model.LoadStats, error) {
	var stats model.LoadStats

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "geodata: read %s", path)
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, stats, eris.Wrapf(err, "geodata: decode GeoJSON %s", path)
	}

	b := newRegionBuilder(family, proj)
	for _, f := range fc.Features {
		id := propertyString(f.Properties, family.IDField())
		if id == "" {
			stats.MissingID++
			continue
		}
		pg, err := polygonalFromGeoJSON(f.Geometry)
		if err != nil {
			stats.BadGeometry++
			continue
		}
		if err := b.add(id, pg); err != nil {
			stats.BadGeometry++
			continue
		}
		stats.Loaded++
	}
	return b.finish(), stats, nil
}

func loadRegionsShapefile(family model.Family, path string, proj *Projector) (*model.RegionSet, model.LoadStats, error) {
	var stats model.LoadStats

	reader, err := shp.Open(path)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "geodata: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	// Field name -> index, case-insensitive, dBASE padding stripped.
	fields := reader.Fields()
	idIdx := -1
	want := strings.ToLower(family.IDField())
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.ToLower(name) == want {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return nil, stats, eris.Errorf("geodata: shapefile %s has no %s field", path, family.IDField())
	}

	b := newRegionBuilder(family, proj)
	for reader.Next() {
		_, shape := reader.Shape()
		id := strings.TrimSpace(strings.TrimRight(reader.Attribute(idIdx), "\x00"))
		if id == "" {
			stats.MissingID++
			continue
		}
		pg, err := polygonalFromShape(shape)
		if err != nil {
			stats.BadGeometry++
			continue
		}
		if err := b.add(id, pg); err != nil {
			stats.BadGeometry++
			continue
		}
		stats.Loaded++
	}
	return b.finish(), stats, nil
}

// regionBuilder accumulates reprojected regions, merging duplicate IDs and
// deferring centroid computation until geometries are final.
type regionBuilder struct {
	family model.Family
	proj   *Projector
	byID   map[string]int
	order  []model.Region
}

func newRegionBuilder(family model.Family, proj *Projector) *regionBuilder {
	return &regionBuilder{family: family, proj: proj, byID: make(map[string]int)}
}

func (b *regionBuilder) add(id string, pg geom.Polygonal) error {
	projected, err := b.proj.Polygonal(pg)
	if err != nil {
		return err
	}
	if i, ok := b.byID[id]; ok {
		b.order[i].Geom = mergePolygonal(b.order[i].Geom, projected)
		return nil
	}
	b.byID[id] = len(b.order)
	b.order = append(b.order, model.Region{Family: b.family, ID: id, Geom: projected})
	return nil
}

func (b *regionBuilder) finish() *model.RegionSet {
	regions := make([]model.Region, len(b.order))
	copy(regions, b.order)
	for i := range regions {
		regions[i].Centroid = regions[i].Geom.Centroid()
	}
	return &model.RegionSet{Family: b.family, CRS: b.proj.Target(), Regions: regions}
}

func propertyString(props map[string]interface{}, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}
