package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"

	"datapusher/internal/config"
	"datapusher/internal/qsv"
)

// ValidationStage proves the working file is well-formed delimited
// data before any expensive analysis, and deduplicates rows when
// configured.
type ValidationStage struct {
	cfg    *config.Config
	runner *qsv.Runner
	logger *slog.Logger
}

func NewValidationStage(deps Dependencies) *ValidationStage {
	return &ValidationStage{cfg: deps.Config, runner: deps.QSV, logger: deps.Logger}
}

func (s *ValidationStage) Name() string { return "validation" }

func (s *ValidationStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	pc.Logger.Info("validating CSV")
	if err := s.runner.Validate(ctx, pc.WorkingFile); err != nil {
		return Failf("upload aborted, invalid CSV file: %w", err)
	}

	if !s.cfg.Pipeline.SortAndDupeCheck && !s.cfg.Pipeline.Dedup {
		return Continue()
	}

	check, err := s.runner.Sortcheck(ctx, pc.WorkingFile)
	if err != nil {
		return Failf("sort and duplicate check failed: %w", err)
	}
	pc.Sorted = check.Sorted
	pc.RecordCount = check.RecordCount
	pc.DupeCount = check.DupeCount
	pc.Record("is_sorted", check.Sorted)
	pc.Record("unsorted_breaks", check.UnsortedBreaks)
	pc.Record("dupe_count", check.DupeCount)

	if s.cfg.Pipeline.Dedup && check.DupeCount > 0 {
		pc.Logger.Info("removing duplicate rows", slog.Int("dupe_count", check.DupeCount))
		deduped := filepath.Join(pc.TmpDir, "deduped.csv")
		if err := s.runner.ExtDedup(ctx, pc.WorkingFile, deduped); err != nil {
			return Failf("deduplication failed: %w", err)
		}
		pc.WorkingFile = deduped
		pc.RecordCount = check.RecordCount - check.DupeCount
		pc.Deduped = true
	}
	pc.Record("deduped", pc.Deduped)
	return Continue()
}
