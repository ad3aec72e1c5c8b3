package geodata

import (
	"github.com/ctessum/geom"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	gogeom "github.com/twpayne/go-geom"
)

// polygonalFromGeoJSON converts a decoded GeoJSON geometry into the
// spatial-ops geometry model. Only polygons and multipolygons are accepted;
// region boundaries are never points or lines.
func polygonalFromGeoJSON(g gogeom.T) (geom.Polygonal, error) {
	switch t := g.(type) {
	case *gogeom.Polygon:
		return polygonFromRings(t), nil
	case *gogeom.MultiPolygon:
		mp := make(geom.MultiPolygon, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			mp = append(mp, polygonFromRings(t.Polygon(i)))
		}
		return mp, nil
	case nil:
		return nil, eris.New("geodata: feature has no geometry")
	default:
		return nil, eris.Errorf("geodata: unsupported geometry type %T", g)
	}
}

func polygonFromRings(p *gogeom.Polygon) geom.Polygon {
	out := make(geom.Polygon, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		ring := make([]geom.Point, 0, len(coords))
		for _, c := range coords {
			ring = append(ring, geom.Point{X: c[0], Y: c[1]})
		}
		out = append(out, ring)
	}
	return out
}

// polygonalFromShape converts a shapefile polygon record. Each part becomes
// a ring of a single polygon, so holes survive the conversion.
func polygonalFromShape(s shp.Shape) (geom.Polygonal, error) {
	p, ok := s.(*shp.Polygon)
	if !ok {
		return nil, eris.Errorf("geodata: unsupported shapefile geometry %T", s)
	}
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil, eris.New("geodata: empty polygon record")
	}

	out := make(geom.Polygon, 0, p.NumParts)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		ring := make([]geom.Point, 0, end-start)
		for j := start; j < end; j++ {
			ring = append(ring, geom.Point{X: p.Points[j].X, Y: p.Points[j].Y})
		}
		out = append(out, ring)
	}
	return out, nil
}

// mergePolygonal combines two polygonal geometries into one multipolygon.
// Source files carry some regions (notably municipalities) as several
// separate records sharing one identifier.
func mergePolygonal(a, b geom.Polygonal) geom.Polygonal {
	mp := make(geom.MultiPolygon, 0, len(a.Polygons())+len(b.Polygons()))
	mp = append(mp, a.Polygons()...)
	mp = append(mp, b.Polygons()...)
	return mp
}
