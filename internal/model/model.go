// Package model defines the domain types shared across the attribution pipeline.
package model

import (
	"math"
	"strings"

	"github.com/ctessum/geom"
)

// Family identifies one of the three nested reporting-unit families.
type Family string

const (
	FamilyBlockGroup   Family = "blockgroup"
	FamilyMunicipality Family = "municipality"
	FamilyWatershed    Family = "watershed"
)

// IDField returns the source property that carries a region's identifier
// for this family (GEOID for block groups, TOWN for municipalities, NAME
// for watersheds).
func (f Family) IDField() string {
	switch f {
	case FamilyBlockGroup:
		return "GEOID"
	case FamilyMunicipality:
		return "TOWN"
	case FamilyWatershed:
		return "NAME"
	default:
		return ""
	}
}

// Valid reports whether f is one of the three known families.
func (f Family) Valid() bool {
	switch f {
	case FamilyBlockGroup, FamilyMunicipality, FamilyWatershed:
		return true
	}
	return false
}

// CRS is a proj4-style coordinate reference definition attached to geometry
// sets. Distance and buffer operations require a planar CRS; the spatial
// index refuses geographic ones.
type CRS string

// Geographic reports whether the CRS is a longitude/latitude system, in
// which coordinate units are degrees rather than meters.
func (c CRS) Geographic() bool {
	return strings.Contains(string(c), "+proj=longlat")
}

// Region is a named polygon belonging to exactly one family. Geometry and
// centroid are in the planar CRS of the containing RegionSet.
type Region struct {
	Family   Family         `json:"family"`
	ID       string         `json:"id"`
	Geom     geom.Polygonal `json:"-"`
	Centroid geom.Point     `json:"centroid"`
}

// RegionSet is a loaded, reprojected region family. Regions are read-only
// once loaded; identifiers are unique within the set.
type RegionSet struct {
	Family  Family
	CRS     CRS
	Regions []Region
}

// DischargeEvent is one outfall's measured discharge record. Point is the
// event location reprojected into the planar CRS; HasCoords is false when
// the source row had missing or unparseable coordinates, in which case the
// event must be excluded from spatial attribution.
type DischargeEvent struct {
	ID                   string     `json:"id"`
	Latitude             float64    `json:"latitude"`
	Longitude            float64    `json:"longitude"`
	Point                geom.Point `json:"-"`
	HasCoords            bool       `json:"has_coords"`
	VolumeMGal           float64    `json:"volume_mgal"`
	DischargeCount       float64    `json:"discharge_count"` // NaN when unreported
	Address              string     `json:"address,omitempty"`
	WaterBody            string     `json:"water_body,omitempty"`
	ReportedMunicipality string     `json:"reported_municipality,omitempty"`
	ReporterClass        string     `json:"reporter_class,omitempty"`
}

// EventSet is a loaded event table with its planar CRS tag.
type EventSet struct {
	CRS    CRS
	Events []DischargeEvent
}

// DemographicRecord carries one block group's population and EJ indicator
// fractions. Indicator values are in [0,1] or NaN when unreported.
type DemographicRecord struct {
	BlockGroupID string             `json:"block_group_id"`
	Population   float64            `json:"population"`
	Indicators   map[string]float64 `json:"indicators"`
}

// Indicator returns the named indicator fraction, or NaN when absent.
func (d DemographicRecord) Indicator(name string) float64 {
	if v, ok := d.Indicators[name]; ok {
		return v
	}
	return math.NaN()
}

// Attribution assigns a fraction of one event to one region. Exact mode
// produces a single weight-1 attribution per (event, family); buffered mode
// produces weights of 1/duplication summing to 1 across the event's regions.
type Attribution struct {
	EventID  string  `json:"event_id"`
	Family   Family  `json:"family"`
	RegionID string  `json:"region_id"`
	Weight   float64 `json:"weight"`
}

// ParentLabels holds the parent-family memberships derived for one block
// group by centroid containment. Empty strings mean no containing parent
// was found; such rows are excluded from that family's aggregation.
type ParentLabels struct {
	Municipality string `json:"municipality,omitempty"`
	Watershed    string `json:"watershed,omitempty"`
}

// AggregateRow is one region's aggregated discharge totals joined with
// population-weighted EJ indicator averages. Immutable once produced.
type AggregateRow struct {
	Family         Family             `json:"family"`
	RegionID       string             `json:"region_id"`
	VolumeMGal     float64            `json:"volume_mgal"`
	DischargeCount float64            `json:"discharge_count"`
	Population     float64            `json:"population"`
	Indicators     map[string]float64 `json:"indicators"`
	Smoothed       bool               `json:"smoothed"` // buffered mode: totals are an area-weighted mixture
}

// LoadStats counts record-level exclusions during a load step. Exclusions
// are recoverable; they are surfaced in the run summary, never fatal.
type LoadStats struct {
	Loaded        int `json:"loaded"`
	BadGeometry   int `json:"bad_geometry"`
	BadCoordinate int `json:"bad_coordinate"`
	BadValue      int `json:"bad_value"`
	MissingID     int `json:"missing_id"`
}

// Excluded returns the total number of excluded records.
func (s LoadStats) Excluded() int {
	return s.BadGeometry + s.BadCoordinate + s.BadValue + s.MissingID
}

// Add accumulates another LoadStats into s.
func (s *LoadStats) Add(o LoadStats) {
	s.Loaded += o.Loaded
	s.BadGeometry += o.BadGeometry
	s.BadCoordinate += o.BadCoordinate
	s.BadValue += o.BadValue
	s.MissingID += o.MissingID
}

// RunSummary is the per-run audit record of exclusion counts by error kind.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Mode           string    `json:"mode"`
	RadiusMeters   float64   `json:"radius_meters,omitempty"`
	Events         int       `json:"events"`
	EventsNoCoords int       `json:"events_no_coords"`
	Unattributable int       `json:"unattributable"`
	Ambiguous      int       `json:"ambiguous"`
	UnlabeledBG    int       `json:"unlabeled_block_groups"`
	Load           LoadStats `json:"load"`
}
