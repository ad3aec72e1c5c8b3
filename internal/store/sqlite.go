package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nesanders/MAenvironmentaldata/internal/geodata"
	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite against an AMEND
// database file. Source tables are read as-is; output tables are created by
// Migrate in the same file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for tests that seed source tables.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_events (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	event_id     TEXT NOT NULL,
	latitude     REAL,
	longitude    REAL,
	volume_mgal  REAL,
	discharge_n  REAL,
	address      TEXT,
	water_body   TEXT,
	municipality TEXT,
	reporter     TEXT,
	PRIMARY KEY (run_id, event_id)
);

CREATE TABLE IF NOT EXISTS attributions (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	event_id  TEXT NOT NULL,
	family    TEXT NOT NULL,
	region_id TEXT NOT NULL,
	weight    REAL NOT NULL,
	PRIMARY KEY (run_id, event_id, family, region_id)
);

CREATE TABLE IF NOT EXISTS aggregates (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	family      TEXT NOT NULL,
	region_id   TEXT NOT NULL,
	volume_mgal REAL NOT NULL,
	discharge_n REAL NOT NULL,
	population  REAL NOT NULL,
	indicators  TEXT NOT NULL,
	smoothed    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, family, region_id)
);

CREATE INDEX IF NOT EXISTS idx_attributions_region ON attributions(family, region_id);
CREATE INDEX IF NOT EXISTS idx_aggregates_family ON aggregates(run_id, family);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadEvents(ctx context.Context) ([]model.DischargeEvent, model.LoadStats, error) {
	var stats model.LoadStats
	query := fmt.Sprintf(
		`SELECT "Nearest_Pipe_Address", "DischargesBody", "Municipality", "Latitude", "Longitude", "2011_Discharges_MGal", "2011_Discharge_N" FROM %q`,
		EventTable,
	)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "sqlite: query %s", EventTable)
	}
	defer rows.Close()

	var events []model.DischargeEvent
	for i := 0; rows.Next(); i++ {
		var addr, body, muni, lat, lon, vol, cnt any
		if err := rows.Scan(&addr, &body, &muni, &lat, &lon, &vol, &cnt); err != nil {
			return nil, stats, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, model.DischargeEvent{
			ID:                   "cso-" + strconv.Itoa(i),
			Latitude:             asFloat(lat),
			Longitude:            asFloat(lon),
			VolumeMGal:           asFloat(vol),
			DischargeCount:       asFloat(cnt),
			Address:              asString(addr),
			WaterBody:            asString(body),
			ReportedMunicipality: asString(muni),
		})
		stats.Loaded++
	}
	if err := rows.Err(); err != nil {
		return nil, stats, eris.Wrap(err, "sqlite: iterate events")
	}

	zap.L().Info("store: events loaded", zap.Int("events", len(events)))
	return events, stats, nil
}

func (s *SQLiteStore) LoadDemographics(ctx context.Context, indicators []string) ([]model.DemographicRecord, model.LoadStats, error) {
	var stats model.LoadStats
	if len(indicators) == 0 {
		indicators = geodata.DefaultIndicators
	}

	cols := []string{`"ID"`, `"ACSTOTPOP"`}
	for _, ind := range indicators {
		cols = append(cols, `"`+ind+`"`)
	}
	query := fmt.Sprintf(`SELECT %s FROM %q`, strings.Join(cols, ", "), DemographicTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "sqlite: query %s", DemographicTable)
	}
	defer rows.Close()

	var recs []model.DemographicRecord
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, stats, eris.Wrap(err, "sqlite: scan demographic row")
		}

		id := asString(vals[0])
		if id == "" {
			stats.MissingID++
			continue
		}
		pop := asFloat(vals[1])
		if pop < 0 {
			stats.BadValue++
			zap.L().Warn("store: negative population", zap.String("block_group", id))
			continue
		}

		rec := model.DemographicRecord{
			BlockGroupID: id,
			Population:   pop,
			Indicators:   make(map[string]float64, len(indicators)),
		}
		for i, ind := range indicators {
			rec.Indicators[ind] = asFloat(vals[2+i])
		}
		recs = append(recs, rec)
		stats.Loaded++
	}
	if err := rows.Err(); err != nil {
		return nil, stats, eris.Wrap(err, "sqlite: iterate demographics")
	}

	zap.L().Info("store: demographics loaded",
		zap.Int("block_groups", len(recs)),
		zap.Int("excluded", stats.Excluded()))
	return recs, stats, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, summary model.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, summary, created_at) VALUES (?, ?, ?, ?)`,
		summary.RunID, summary.Mode, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", summary.RunID)
}

func (s *SQLiteStore) SaveEvents(ctx context.Context, runID string, events []model.DischargeEvent) error {
	return s.inTx(ctx, "events", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO run_events (run_id, event_id, latitude, longitude, volume_mgal, discharge_n, address, water_body, municipality, reporter)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare event insert")
		}
		defer stmt.Close()
		for _, ev := range events {
			_, err := stmt.ExecContext(ctx, runID, ev.ID,
				nullFloat(ev.Latitude), nullFloat(ev.Longitude),
				nullFloat(ev.VolumeMGal), nullFloat(ev.DischargeCount),
				ev.Address, ev.WaterBody, ev.ReportedMunicipality, ev.ReporterClass)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert event %s", ev.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) SaveAttributions(ctx context.Context, runID string, attrs []model.Attribution) error {
	return s.inTx(ctx, "attributions", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO attributions (run_id, event_id, family, region_id, weight) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare attribution insert")
		}
		defer stmt.Close()
		for _, a := range attrs {
			if _, err := stmt.ExecContext(ctx, runID, a.EventID, string(a.Family), a.RegionID, a.Weight); err != nil {
				return eris.Wrapf(err, "sqlite: insert attribution %s/%s", a.EventID, a.RegionID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) SaveAggregates(ctx context.Context, runID string, rows []model.AggregateRow) error {
	return s.inTx(ctx, "aggregates", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO aggregates (run_id, family, region_id, volume_mgal, discharge_n, population, indicators, smoothed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare aggregate insert")
		}
		defer stmt.Close()
		for _, r := range rows {
			ind, err := marshalIndicators(r.Indicators)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx, runID, string(r.Family), r.RegionID,
				r.VolumeMGal, r.DischargeCount, r.Population, ind, r.Smoothed)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert aggregate %s/%s", r.Family, r.RegionID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListAggregates(ctx context.Context, filter AggregateFilter) ([]model.AggregateRow, error) {
	query := `SELECT family, region_id, volume_mgal, discharge_n, population, indicators, smoothed FROM aggregates WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Family != "" {
		query += ` AND family = ?`
		args = append(args, string(filter.Family))
	}
	query += ` ORDER BY family, region_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list aggregates")
	}
	defer rows.Close()

	var out []model.AggregateRow
	for rows.Next() {
		var r model.AggregateRow
		var indJSON string
		if err := rows.Scan(&r.Family, &r.RegionID, &r.VolumeMGal, &r.DischargeCount, &r.Population, &indJSON, &r.Smoothed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan aggregate")
		}
		r.Indicators, err = unmarshalIndicators(indJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list aggregates iterate")
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, what string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s tx", what)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s tx", what)
}

// asFloat coerces a scanned cell into a float64, NaN for NULL or anything
// non-numeric. Source tables store numbers as TEXT in places.
func asFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return math.NaN()
	case float64:
		return x
	case int64:
		return float64(x)
	case string:
		return geodata.SafeFloat(x)
	case []byte:
		return geodata.SafeFloat(string(x))
	default:
		return math.NaN()
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

// nullFloat maps NaN to NULL so the database never carries NaN literals.
func nullFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// marshalIndicators encodes an indicator map as JSON with NaN rendered as
// null; encoding/json rejects NaN outright.
func marshalIndicators(ind map[string]float64) (string, error) {
	m := make(map[string]any, len(ind))
	for k, v := range ind {
		m[k] = nullFloat(v)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal indicators")
	}
	return string(data), nil
}

func unmarshalIndicators(data string) (map[string]float64, error) {
	var m map[string]*float64
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal indicators")
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if v == nil {
			out[k] = math.NaN()
		} else {
			out[k] = *v
		}
	}
	return out, nil
}
