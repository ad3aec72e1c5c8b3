package geodata

import (
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// EventColumns maps an event table's column names onto the event model.
// Volume and count coerce leniently: non-numeric cells become NaN.
type EventColumns struct {
	ID           string
	Latitude     string
	Longitude    string
	Volume       string
	Count        string
	Address      string
	WaterBody    string
	Municipality string
	Reporter     string
}

// NECIREventColumns matches the NECIR CSO 2011 table layout.
var NECIREventColumns = EventColumns{
	Latitude:     "Latitude",
	Longitude:    "Longitude",
	Volume:       "2011_Discharges_MGal",
	Count:        "2011_Discharge_N",
	Address:      "Nearest_Pipe_Address",
	WaterBody:    "DischargesBody",
	Municipality: "Municipality",
	Reporter:     "ReporterClass",
}

// LoadEventsCSV reads a discharge event table from CSV, reprojecting each
// coordinate pair through proj. Rows whose coordinates are missing or do not
// parse as two finite numbers are kept with HasCoords=false and counted:
// they are excluded from spatial attribution but still visible downstream.
func LoadEventsCSV(path string, cols EventColumns, proj *Projector) (*model.EventSet, model.LoadStats, error) {
	t, err := readCSVTable(path)
	if err != nil {
		return nil, model.LoadStats{}, err
	}
	return eventsFromTable(t, cols, proj)
}

func eventsFromTable(t *table, cols EventColumns, proj *Projector) (*model.EventSet, model.LoadStats, error) {
	var stats model.LoadStats

	idC := t.col(cols.ID)
	latC, lonC := t.col(cols.Latitude), t.col(cols.Longitude)
	if latC < 0 || lonC < 0 {
		return nil, stats, eris.Errorf("geodata: event table missing coordinate columns %q/%q", cols.Latitude, cols.Longitude)
	}
	volC, cntC := t.col(cols.Volume), t.col(cols.Count)
	addrC, bodyC := t.col(cols.Address), t.col(cols.WaterBody)
	muniC, repC := t.col(cols.Municipality), t.col(cols.Reporter)

	events := make([]model.DischargeEvent, 0, len(t.rows))
	for i, row := range t.rows {
		ev := model.DischargeEvent{
			ID:                   t.cell(row, idC),
			Latitude:             SafeFloat(t.cell(row, latC)),
			Longitude:            SafeFloat(t.cell(row, lonC)),
			VolumeMGal:           SafeFloat(t.cell(row, volC)),
			DischargeCount:       SafeFloat(t.cell(row, cntC)),
			Address:              t.cell(row, addrC),
			WaterBody:            t.cell(row, bodyC),
			ReportedMunicipality: t.cell(row, muniC),
			ReporterClass:        t.cell(row, repC),
		}
		if ev.ID == "" {
			ev.ID = "cso-" + strconv.Itoa(i)
		}
		events = append(events, ev)
		stats.Loaded++
	}

	set, pstats := ProjectEvents(events, proj)
	stats.BadCoordinate = pstats.BadCoordinate
	return set, stats, nil
}

// ProjectEvents reprojects raw latitude/longitude events into proj's planar
// CRS, setting Point and HasCoords in place. Rows whose coordinates are
// missing or unprojectable are kept with HasCoords=false and counted: they
// are excluded from spatial attribution but still visible downstream.
func ProjectEvents(events []model.DischargeEvent, proj *Projector) (*model.EventSet, model.LoadStats) {
	var stats model.LoadStats
	for i := range events {
		ev := &events[i]
		if !isFinite(ev.Latitude) || !isFinite(ev.Longitude) {
			stats.BadCoordinate++
			zap.L().Warn("geodata: event has no usable coordinates", zap.String("event", ev.ID))
			continue
		}
		pt, err := proj.Point(geom.Point{X: ev.Longitude, Y: ev.Latitude})
		if err != nil {
			stats.BadCoordinate++
			zap.L().Warn("geodata: unprojectable event coordinates",
				zap.String("event", ev.ID), zap.Float64("lat", ev.Latitude), zap.Float64("lon", ev.Longitude))
			continue
		}
		ev.Point = pt
		ev.HasCoords = true
	}

	zap.L().Info("geodata: events projected",
		zap.Int("events", len(events)),
		zap.Int("without_coordinates", stats.BadCoordinate),
	)
	return &model.EventSet{CRS: proj.Target(), Events: events}, stats
}

// SafeFloat coerces a cell into a float64, returning NaN for anything that
// does not parse. Mirrors the lenient numeric policy of the source tables.
func SafeFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
