package pipeline

import (
	"context"
	"log/slog"

	"datapusher/internal/config"
)

// IndexingStage creates btree indexes on the loaded table: unique
// indexes on columns whose cardinality equals the record count,
// regular indexes on low-cardinality and date columns.
type IndexingStage struct {
	cfg    *config.Config
	dial   DatastoreDial
	logger *slog.Logger
}

func NewIndexingStage(deps Dependencies) *IndexingStage {
	return &IndexingStage{cfg: deps.Config, dial: deps.Datastore, logger: deps.Logger}
}

func (s *IndexingStage) Name() string { return "indexing" }

// ShouldSkip short-circuits when no indexing rule is active.
func (s *IndexingStage) ShouldSkip(pc *ProcessingContext) bool {
	p := s.cfg.Pipeline
	if p.AutoIndexThreshold != 0 || p.AutoUniqueIndex {
		return false
	}
	if p.AutoIndexDates && len(dateColumns(pc)) > 0 {
		return false
	}
	return true
}

func dateColumns(pc *ProcessingContext) []string {
	var cols []string
	for _, field := range pc.Fields {
		if field.Type == "timestamp" || field.Type == "date" {
			cols = append(cols, field.ID)
		}
	}
	return cols
}

func (s *IndexingStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	db, err := s.dial(ctx)
	if err != nil {
		return Fail(err)
	}
	defer db.Close(ctx)

	threshold := s.cfg.Pipeline.AutoIndexThreshold
	if threshold == -1 {
		// Index every column.
		threshold = pc.RecordCount
	}

	indexed := 0
	unique := 0
	isDate := make(map[string]bool)
	for _, col := range dateColumns(pc) {
		isDate[col] = true
	}

	for _, field := range pc.Fields {
		stats := pc.Stats[field.ID]
		cardinality := 0
		if stats != nil {
			cardinality = stats.Cardinality
		}

		var wantUnique, wantIndex bool
		switch {
		// The unique rule wins over the cardinality threshold: a
		// column that is unique across all records is a key, not a
		// low-cardinality facet.
		case s.cfg.Pipeline.AutoUniqueIndex && cardinality > 0 && cardinality == pc.RecordCount:
			wantUnique = true
		case cardinality > 0 && cardinality <= threshold:
			wantIndex = true
		case s.cfg.Pipeline.AutoIndexDates && isDate[field.ID]:
			wantIndex = true
		}
		if !wantUnique && !wantIndex {
			continue
		}

		if err := db.CreateIndex(ctx, pc.ResourceID, field.ID, wantUnique); err != nil {
			// One bad column must not sink the load.
			pc.Logger.Warn("index creation failed",
				slog.String("column", field.ID),
				slog.Bool("unique", wantUnique),
				slog.String("error", err.Error()))
			continue
		}
		if wantUnique {
			unique++
		} else {
			indexed++
		}
	}

	pc.Record("indexed_count", indexed)
	pc.Record("unique_indexed_count", unique)
	pc.Logger.Info("auto-indexing complete",
		slog.Int("indexes", indexed), slog.Int("unique_indexes", unique))

	if indexed+unique > 0 {
		if err := db.VacuumAnalyze(ctx, pc.ResourceID); err != nil {
			pc.Logger.Warn("vacuum analyze failed", slog.String("error", err.Error()))
		}
	}
	return Continue()
}
