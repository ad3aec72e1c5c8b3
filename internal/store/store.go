// Package store persists pipeline inputs and outputs. The sqlite driver
// reads the assembled AMEND database directly; the postgres driver backs
// the shared warehouse, with event points stored as EWKB geometry.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/nesanders/MAenvironmentaldata/internal/model"
)

// Source table names in the assembled AMEND database.
const (
	EventTable       = "NECIR_CSO_2011"
	DemographicTable = "EPA_EJSCREEN_2017"
)

// AggregateFilter specifies criteria for listing aggregate rows.
type AggregateFilter struct {
	RunID  string       `json:"run_id,omitempty"`
	Family model.Family `json:"family,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for the attribution pipeline.
// Loaded events carry raw latitude/longitude only; reprojection is the
// caller's concern.
type Store interface {
	// Sources
	LoadEvents(ctx context.Context) ([]model.DischargeEvent, model.LoadStats, error)
	LoadDemographics(ctx context.Context, indicators []string) ([]model.DemographicRecord, model.LoadStats, error)

	// Outputs
	SaveRun(ctx context.Context, summary model.RunSummary) error
	SaveEvents(ctx context.Context, runID string, events []model.DischargeEvent) error
	SaveAttributions(ctx context.Context, runID string, attrs []model.Attribution) error
	SaveAggregates(ctx context.Context, runID string, rows []model.AggregateRow) error
	ListAggregates(ctx context.Context, filter AggregateFilter) ([]model.AggregateRow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// NewRunID mints the identifier that ties a run's outputs together.
func NewRunID() string {
	return uuid.New().String()
}
