package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	gogeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/nesanders/MAenvironmentaldata/internal/db"
	"github.com/nesanders/MAenvironmentaldata/internal/geodata"
	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// PostgresStore implements Store against the shared warehouse using
// pgxpool. Event locations are written as EWKB points in WGS84.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool; tests inject pgxmock here.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	summary    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_events (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	event_id     TEXT NOT NULL,
	location     BYTEA,
	volume_mgal  DOUBLE PRECISION,
	discharge_n  DOUBLE PRECISION,
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
	weight    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, event_id, family, region_id)
);

CREATE TABLE IF NOT EXISTS aggregates (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	family      TEXT NOT NULL,
	region_id   TEXT NOT NULL,
	volume_mgal DOUBLE PRECISION NOT NULL,
	discharge_n DOUBLE PRECISION NOT NULL,
	population  DOUBLE PRECISION NOT NULL,
	indicators  JSONB NOT NULL,
	smoothed    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (run_id, family, region_id)
);

CREATE INDEX IF NOT EXISTS idx_attributions_region ON attributions(family, region_id);
CREATE INDEX IF NOT EXISTS idx_aggregates_family ON aggregates(run_id, family);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) LoadEvents(ctx context.Context) ([]model.DischargeEvent, model.LoadStats, error) {
	var stats model.LoadStats
	rows, err := s.pool.Query(ctx,
		`SELECT "Nearest_Pipe_Address", "DischargesBody", "Municipality", "Latitude", "Longitude", "2011_Discharges_MGal", "2011_Discharge_N" FROM "NECIR_CSO_2011"`)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "postgres: query %s", EventTable)
	}
	defer rows.Close()

	var events []model.DischargeEvent
	for i := 0; rows.Next(); i++ {
		var addr, body, muni, lat, lon, vol, cnt any
		if err := rows.Scan(&addr, &body, &muni, &lat, &lon, &vol, &cnt); err != nil {
			return nil, stats, eris.Wrap(err, "postgres: scan event")
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
		return nil, stats, eris.Wrap(err, "postgres: iterate events")
	}
	return events, stats, nil
}

func (s *PostgresStore) LoadDemographics(ctx context.Context, indicators []string) ([]model.DemographicRecord, model.LoadStats, error) {
	var stats model.LoadStats
	if len(indicators) == 0 {
		indicators = geodata.DefaultIndicators
	}

	cols := []string{`"ID"`, `"ACSTOTPOP"`}
	for _, ind := range indicators {
		cols = append(cols, pgx.Identifier{ind}.Sanitize())
	}
	query := `SELECT ` + strings.Join(cols, ", ") + ` FROM "EPA_EJSCREEN_2017"`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "postgres: query %s", DemographicTable)
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
			return nil, stats, eris.Wrap(err, "postgres: scan demographic row")
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
		return nil, stats, eris.Wrap(err, "postgres: iterate demographics")
	}
	return recs, stats, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, summary model.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, mode, summary, created_at) VALUES ($1, $2, $3, $4)`,
		summary.RunID, summary.Mode, data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: insert run %s", summary.RunID)
}

func (s *PostgresStore) SaveEvents(ctx context.Context, runID string, events []model.DischargeEvent) error {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		loc, err := encodeEventPoint(ev)
		if err != nil {
			return err
		}
		rows = append(rows, []any{runID, ev.ID, loc,
			nullFloat(ev.VolumeMGal), nullFloat(ev.DischargeCount),
			ev.Address, ev.WaterBody, ev.ReportedMunicipality, ev.ReporterClass})
	}
	_, err := db.CopyFrom(ctx, s.pool, "run_events",
		[]string{"run_id", "event_id", "location", "volume_mgal", "discharge_n", "address", "water_body", "municipality", "reporter"},
		rows)
	return err
}

func (s *PostgresStore) SaveAttributions(ctx context.Context, runID string, attrs []model.Attribution) error {
	rows := make([][]any, 0, len(attrs))
	for _, a := range attrs {
		rows = append(rows, []any{runID, a.EventID, string(a.Family), a.RegionID, a.Weight})
	}
	_, err := db.CopyFrom(ctx, s.pool, "attributions",
		[]string{"run_id", "event_id", "family", "region_id", "weight"}, rows)
	return err
}

func (s *PostgresStore) SaveAggregates(ctx context.Context, runID string, aggs []model.AggregateRow) error {
	rows := make([][]any, 0, len(aggs))
	for _, r := range aggs {
		ind, err := marshalIndicators(r.Indicators)
		if err != nil {
			return err
		}
		rows = append(rows, []any{runID, string(r.Family), r.RegionID,
			r.VolumeMGal, r.DischargeCount, r.Population, []byte(ind), r.Smoothed})
	}
	_, err := db.CopyFrom(ctx, s.pool, "aggregates",
		[]string{"run_id", "family", "region_id", "volume_mgal", "discharge_n", "population", "indicators", "smoothed"},
		rows)
	return err
}

func (s *PostgresStore) ListAggregates(ctx context.Context, filter AggregateFilter) ([]model.AggregateRow, error) {
	query := `SELECT family, region_id, volume_mgal, discharge_n, population, indicators, smoothed FROM aggregates WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	}

	if filter.RunID != "" {
		query += ` AND run_id = ` + arg(filter.RunID)
	}
	if filter.Family != "" {
		query += ` AND family = ` + arg(string(filter.Family))
	}
	query += ` ORDER BY family, region_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list aggregates")
	}
	defer rows.Close()

	var out []model.AggregateRow
	for rows.Next() {
		var r model.AggregateRow
		var family string
		var indJSON []byte
		if err := rows.Scan(&family, &r.RegionID, &r.VolumeMGal, &r.DischargeCount, &r.Population, &indJSON, &r.Smoothed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan aggregate")
		}
		r.Family = model.Family(family)
		r.Indicators, err = unmarshalIndicators(string(indJSON))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list aggregates iterate")
}

// encodeEventPoint renders an event's WGS84 location as EWKB with SRID
// 4326, or nil when the event has no usable coordinates.
func encodeEventPoint(ev model.DischargeEvent) ([]byte, error) {
	if !ev.HasCoords {
		return nil, nil
	}
	pt := gogeom.NewPointFlat(gogeom.XY, []float64{ev.Longitude, ev.Latitude}).SetSRID(4326)
	data, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: encode point for event %s", ev.ID)
	}
	return data, nil
}
