package geodata

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// DefaultIndicators are the EJSCREEN indicator fractions carried through
// population weighting.
var DefaultIndicators = []string{"MINORPCT", "LOWINCPCT", "LINGISOPCT", "OVER64PCT", "VULSVI6PCT"}

// DemographicColumns maps a demographic table's columns onto the model.
type DemographicColumns struct {
	ID         string
	Population string
	Indicators []string
}

// EJSCREENColumns matches the EPA EJSCREEN block-group table layout.
var EJSCREENColumns = DemographicColumns{
	ID:         "ID",
	Population: "ACSTOTPOP",
	Indicators: DefaultIndicators,
}

// LoadDemographicsCSV reads a block-group demographic table from CSV.
func LoadDemographicsCSV(path string, cols DemographicColumns) ([]model.DemographicRecord, model.LoadStats, error) {
	t, err := readCSVTable(path)
	if err != nil {
		return nil, model.LoadStats{}, err
	}
	return demographicsFromTable(t, cols)
}

// LoadDemographicsXLSX reads the same table shape from a spreadsheet sheet.
func LoadDemographicsXLSX(path, sheet string, cols DemographicColumns) ([]model.DemographicRecord, model.LoadStats, error) {
	t, err := readXLSXTable(path, sheet)
	if err != nil {
		return nil, model.LoadStats{}, err
	}
	return demographicsFromTable(t, cols)
}

func demographicsFromTable(t *table, cols DemographicColumns) ([]model.DemographicRecord, model.LoadStats, error) {
	var stats model.LoadStats

	idC := t.col(cols.ID)
	if idC < 0 {
		return nil, stats, eris.Errorf("geodata: demographic table missing identifier column %q", cols.ID)
	}
	popC := t.col(cols.Population)
	if popC < 0 {
		return nil, stats, eris.Errorf("geodata: demographic table missing population column %q", cols.Population)
	}
	indC := make(map[string]int, len(cols.Indicators))
	for _, name := range cols.Indicators {
		indC[name] = t.col(name)
	}

	records := make([]model.DemographicRecord, 0, len(t.rows))
	for _, row := range t.rows {
		id := t.cell(row, idC)
		if id == "" {
			stats.MissingID++
			continue
		}
		rec := model.DemographicRecord{
			BlockGroupID: id,
			Population:   SafeFloat(t.cell(row, popC)),
			Indicators:   make(map[string]float64, len(indC)),
		}
		// Negative populations are data errors; they would corrupt every
		// weighted denominator they touch.
		if rec.Population < 0 {
			stats.BadValue++
			continue
		}
		for name, c := range indC {
			rec.Indicators[name] = SafeFloat(t.cell(row, c))
		}
		records = append(records, rec)
		stats.Loaded++
	}

	if stats.Excluded() > 0 {
		zap.L().Warn("geodata: excluded demographic records",
			zap.Int("missing_id", stats.MissingID),
			zap.Int("invalid", stats.BadValue),
		)
	}
	zap.L().Info("geodata: demographics loaded", zap.Int("records", len(records)))
	return records, stats, nil
}
