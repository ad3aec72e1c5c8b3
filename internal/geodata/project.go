// Package geodata loads region boundaries, discharge events, and demographic
// tables, reprojecting every geometry into a single planar CRS before any
// distance-based work happens downstream.
package geodata

import (
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// GeographicCRS is the WGS84 longitude/latitude reference that all source
// boundary files and event tables arrive in.
const GeographicCRS model.CRS = "+proj=longlat +datum=WGS84 +no_defs"

// MassMainlandCRS is the Massachusetts mainland state-plane Lambert
// conformal conic projection (EPSG:26986 parameters, meters). Buffer radii
// and nearest-distance queries are expressed in its units.
const MassMainlandCRS model.CRS = "+proj=lcc +lat_1=42.68333333333333 +lat_2=41.71666666666667 +lat_0=41 +lon_0=-71.5 +x_0=200000 +y_0=750000 +ellps=GRS80 +units=m +no_defs"

// MetersPerMile converts the config's radius-in-miles into planar units.
const MetersPerMile = 1609.344

// Projector transforms geometries from a source into a target CRS. A nil
// Projector is invalid; construct one with NewProjector.
type Projector struct {
	src, dst model.CRS
	t        proj.Transformer
}

// NewProjector builds a transform between two proj4 CRS definitions. The
// target must be planar: reprojection exists precisely so that no
// degree-based distance math can happen by accident.
func NewProjector(src, dst model.CRS) (*Projector, error) {
	if dst.Geographic() {
		return nil, eris.Errorf("geodata: target CRS %q is geographic; distance operations require a planar CRS", dst)
	}
	srcSR, err := proj.Parse(string(src))
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: parse source CRS %q", src)
	}
	dstSR, err := proj.Parse(string(dst))
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: parse target CRS %q", dst)
	}
	t, err := srcSR.NewTransform(dstSR)
	if err != nil {
		return nil, eris.Wrap(err, "geodata: build CRS transform")
	}
	return &Projector{src: src, dst: dst, t: t}, nil
}

// Target returns the CRS geometries are projected into.
func (p *Projector) Target() model.CRS { return p.dst }

// Geom reprojects any geometry.
func (p *Projector) Geom(g geom.Geom) (geom.Geom, error) {
	out, err := g.Transform(p.t)
	if err != nil {
		return nil, eris.Wrap(err, "geodata: transform geometry")
	}
	return out, nil
}

// Polygonal reprojects a polygonal geometry, rejecting anything that does
// not stay polygonal through the transform.
func (p *Projector) Polygonal(g geom.Polygonal) (geom.Polygonal, error) {
	out, err := p.Geom(g)
	if err != nil {
		return nil, err
	}
	pg, ok := out.(geom.Polygonal)
	if !ok {
		return nil, eris.Errorf("geodata: transform produced non-polygonal %T", out)
	}
	return pg, nil
}

// Point reprojects a single point.
func (p *Projector) Point(pt geom.Point) (geom.Point, error) {
	out, err := pt.Transform(p.t)
	if err != nil {
		return geom.Point{}, eris.Wrap(err, "geodata: transform point")
	}
	tp, ok := out.(geom.Point)
	if !ok {
		return geom.Point{}, eris.Errorf("geodata: transform produced non-point %T", out)
	}
	return tp, nil
}
