// Package pipeline orchestrates a full attribution run: load boundaries
// and tables, attribute events to each region family, propagate parent
// labels, aggregate, and persist the results with a facts summary.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nesanders/MAenvironmentaldata/internal/aggregate"
	"github.com/nesanders/MAenvironmentaldata/internal/attribution"
	"github.com/nesanders/MAenvironmentaldata/internal/config"
	"github.com/nesanders/MAenvironmentaldata/internal/geodata"
	"github.com/nesanders/MAenvironmentaldata/internal/model"
	"github.com/nesanders/MAenvironmentaldata/internal/spatial"
	"github.com/nesanders/MAenvironmentaldata/internal/store"
)

// Pipeline wires the stages of an attribution run together.
type Pipeline struct {
	cfg   *config.Config
	store store.Store
	cache attribution.Cache
}

// New creates a Pipeline. The cache may be nil; a disabled cache changes
// run time, never results.
func New(cfg *config.Config, st store.Store, cache attribution.Cache) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, cache: cache}
}

// Result carries everything a run produced, keyed the way callers consume
// it: aggregate tables per family, the mismatch diagnostic, and the facts
// summary written to YAML.
type Result struct {
	Summary    model.RunSummary
	Aggregates map[model.Family][]model.AggregateRow
	Mismatches []aggregate.Mismatch
	Facts      *Facts
}

// inputs is the loaded, reprojected state shared by the run's stages.
type inputs struct {
	blockGroups  *model.RegionSet
	munis        *model.RegionSet
	sheds        *model.RegionSet
	events       *model.EventSet
	demographics []model.DemographicRecord
	load         model.LoadStats
}

// Run executes the full pipeline and persists its outputs.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	runID := store.NewRunID()
	mode := attribution.Mode(p.cfg.Attribution.Mode)
	if !mode.Valid() {
		return nil, eris.Errorf("pipeline: unknown attribution mode %q", p.cfg.Attribution.Mode)
	}
	log := zap.L().With(zap.String("run_id", runID), zap.String("mode", string(mode)))
	log.Info("pipeline: starting run")
	start := time.Now()

	in, err := p.load(ctx)
	if err != nil {
		return nil, err
	}

	res, err := p.attribute(ctx, mode, in)
	if err != nil {
		return nil, err
	}

	labels, pstats, err := p.propagate(ctx, in)
	if err != nil {
		return nil, err
	}

	result, err := p.assemble(runID, mode, in, res, labels, pstats)
	if err != nil {
		return nil, err
	}

	if err := p.persist(ctx, runID, in, res, result); err != nil {
		return nil, err
	}

	log.Info("pipeline: run complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("events", result.Summary.Events),
		zap.Int("unattributable", result.Summary.Unattributable),
	)
	return result, nil
}

// RunAttribution resolves events against all three families and persists
// the attributions and run summary, skipping label propagation and
// aggregation. Used when only the event-to-region assignment is wanted.
func (p *Pipeline) RunAttribution(ctx context.Context) (*model.RunSummary, error) {
	runID := store.NewRunID()
	mode := attribution.Mode(p.cfg.Attribution.Mode)
	if !mode.Valid() {
		return nil, eris.Errorf("pipeline: unknown attribution mode %q", p.cfg.Attribution.Mode)
	}

	in, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.attribute(ctx, mode, in)
	if err != nil {
		return nil, err
	}

	summary := model.RunSummary{
		RunID:          runID,
		Mode:           string(mode),
		Events:         len(in.events.Events),
		EventsNoCoords: len(res[model.FamilyBlockGroup].NoCoords),
		Unattributable: len(res[model.FamilyBlockGroup].Unattributable),
		Load:           in.load,
	}
	for _, r := range res {
		summary.Ambiguous += r.Ambiguous
	}
	if mode == attribution.ModeBuffered {
		summary.RadiusMeters = p.cfg.Attribution.RadiusMeters()
	}

	if err := p.store.Migrate(ctx); err != nil {
		return nil, err
	}
	if err := p.store.SaveRun(ctx, summary); err != nil {
		return nil, err
	}
	if err := p.store.SaveEvents(ctx, runID, in.events.Events); err != nil {
		return nil, err
	}
	var attrs []model.Attribution
	for _, fam := range []model.Family{model.FamilyBlockGroup, model.FamilyMunicipality, model.FamilyWatershed} {
		attrs = append(attrs, res[fam].Attributions...)
	}
	if err := p.store.SaveAttributions(ctx, runID, attrs); err != nil {
		return nil, err
	}
	return &summary, nil
}

// load reads the three boundary families concurrently, then the event and
// demographic tables.
func (p *Pipeline) load(ctx context.Context) (*inputs, error) {
	proj, err := geodata.NewProjector(geodata.GeographicCRS, model.CRS(p.cfg.Geo.Projection))
	if err != nil {
		return nil, err
	}

	in := &inputs{}
	var bgStats, muniStats, shedStats model.LoadStats

	var g errgroup.Group
	g.Go(func() error {
		var err error
		in.blockGroups, bgStats, err = geodata.LoadRegions(model.FamilyBlockGroup, p.cfg.Geo.BlockGroupPath, proj)
		return err
	})
	g.Go(func() error {
		var err error
		in.munis, muniStats, err = geodata.LoadRegions(model.FamilyMunicipality, p.cfg.Geo.MunicipalityPath, proj)
		return err
	})
	g.Go(func() error {
		var err error
		in.sheds, shedStats, err = geodata.LoadRegions(model.FamilyWatershed, p.cfg.Geo.WatershedPath, proj)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var evStats model.LoadStats
	if p.cfg.Geo.EventsCSV != "" {
		in.events, evStats, err = geodata.LoadEventsCSV(p.cfg.Geo.EventsCSV, geodata.NECIREventColumns, proj)
	} else {
		var raw []model.DischargeEvent
		raw, evStats, err = p.store.LoadEvents(ctx)
		if err == nil {
			var pstats model.LoadStats
			in.events, pstats = geodata.ProjectEvents(raw, proj)
			evStats.BadCoordinate = pstats.BadCoordinate
		}
	}
	if err != nil {
		return nil, err
	}

	demo, demoStats, err := p.store.LoadDemographics(ctx, geodata.DefaultIndicators)
	if err != nil {
		return nil, err
	}
	in.demographics = demo

	for _, s := range []model.LoadStats{bgStats, muniStats, shedStats, evStats, demoStats} {
		in.load.Add(s)
	}
	return in, nil
}

// familyResults holds one resolve result per family.
type familyResults map[model.Family]*attribution.Result

// attribute resolves events against each family. Buffered candidacy is a
// block-group concern: its demographic-coverage join has no parent-family
// analogue, and the municipality diagnostic compares whole-event
// attributions. Parent families always resolve in exact mode.
func (p *Pipeline) attribute(ctx context.Context, mode attribution.Mode, in *inputs) (familyResults, error) {
	bgSet := in.blockGroups
	if mode == attribution.ModeBuffered {
		bgSet = attribution.FilterCovered(bgSet, in.demographics)
	}

	resolve := func(set *model.RegionSet, m attribution.Mode, radius float64) (*attribution.Result, error) {
		idx, err := spatial.NewIndex(set)
		if err != nil {
			return nil, err
		}
		r := attribution.NewResolver(idx, p.cfg.Geo.Workers)
		return attribution.ResolveCached(ctx, p.cache, r, m, in.events.Events, radius)
	}

	out := make(familyResults, 3)
	res, err := resolve(bgSet, mode, p.cfg.Attribution.RadiusMeters())
	if err != nil {
		return nil, err
	}
	out[model.FamilyBlockGroup] = res

	for _, set := range []*model.RegionSet{in.munis, in.sheds} {
		res, err := resolve(set, attribution.ModeExact, 0)
		if err != nil {
			return nil, err
		}
		out[set.Family] = res
	}
	return out, nil
}

func (p *Pipeline) propagate(ctx context.Context, in *inputs) (map[string]model.ParentLabels, *attribution.PropagateStats, error) {
	muniIdx, err := spatial.NewIndex(in.munis)
	if err != nil {
		return nil, nil, err
	}
	shedIdx, err := spatial.NewIndex(in.sheds)
	if err != nil {
		return nil, nil, err
	}
	return attribution.PropagateCached(p.cache, in.blockGroups.Regions, in.munis.Regions, in.sheds.Regions,
		func() (map[string]model.ParentLabels, *attribution.PropagateStats, error) {
			return attribution.Propagate(ctx, in.blockGroups, muniIdx, shedIdx, p.cfg.Geo.Workers)
		})
}

// assemble aggregates each family and derives the facts summary.
func (p *Pipeline) assemble(runID string, mode attribution.Mode, in *inputs, res familyResults, labels map[string]model.ParentLabels, pstats *attribution.PropagateStats) (*Result, error) {
	smoothed := mode == attribution.ModeBuffered
	aggs := make(map[model.Family][]model.AggregateRow, 3)
	for _, fam := range []model.Family{model.FamilyBlockGroup, model.FamilyMunicipality, model.FamilyWatershed} {
		rows, err := aggregate.Aggregate(aggregate.Input{
			Family:       fam,
			Attributions: res[fam].Attributions,
			Events:       in.events.Events,
			Demographics: in.demographics,
			Labels:       labels,
			Indicators:   geodata.DefaultIndicators,
			// Parent families are resolved exactly even in buffered runs.
			Smoothed: smoothed && fam == model.FamilyBlockGroup,
		})
		if err != nil {
			return nil, err
		}
		aggs[fam] = rows
	}

	facts, err := BuildFacts(runID, in.events.Events, aggs[model.FamilyBlockGroup], geodata.DefaultIndicators, p.cfg.Bootstrap)
	if err != nil {
		return nil, err
	}

	summary := model.RunSummary{
		RunID:          runID,
		Mode:           string(mode),
		Events:         len(in.events.Events),
		EventsNoCoords: len(res[model.FamilyBlockGroup].NoCoords),
		Unattributable: len(res[model.FamilyBlockGroup].Unattributable),
		UnlabeledBG:    pstats.NoMunicipality + pstats.NoWatershed,
		Load:           in.load,
	}
	for _, r := range res {
		summary.Ambiguous += r.Ambiguous
	}
	if smoothed {
		summary.RadiusMeters = p.cfg.Attribution.RadiusMeters()
	}

	return &Result{
		Summary:    summary,
		Aggregates: aggs,
		Mismatches: aggregate.ReportMismatches(res[model.FamilyMunicipality].Attributions, in.events.Events),
		Facts:      facts,
	}, nil
}

func (p *Pipeline) persist(ctx context.Context, runID string, in *inputs, res familyResults, result *Result) error {
	if err := p.store.Migrate(ctx); err != nil {
		return err
	}
	if err := p.store.SaveRun(ctx, result.Summary); err != nil {
		return err
	}
	if err := p.store.SaveEvents(ctx, runID, in.events.Events); err != nil {
		return err
	}

	var attrs []model.Attribution
	for _, fam := range []model.Family{model.FamilyBlockGroup, model.FamilyMunicipality, model.FamilyWatershed} {
		attrs = append(attrs, res[fam].Attributions...)
	}
	if err := p.store.SaveAttributions(ctx, runID, attrs); err != nil {
		return err
	}
	for _, rows := range result.Aggregates {
		if err := p.store.SaveAggregates(ctx, runID, rows); err != nil {
			return err
		}
	}

	if p.cfg.Output.FactsPath != "" {
		if err := WriteFacts(p.cfg.Output.FactsPath, result.Facts); err != nil {
			return err
		}
		zap.L().Info("pipeline: facts written", zap.String("path", p.cfg.Output.FactsPath))
	}
	return nil
}
