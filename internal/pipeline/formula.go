package pipeline

import (
	"context"
	"log/slog"
)

// FormulaEngine evaluates templated metadata formulae against the
// dataset statistics gathered during analysis. The engine itself lives
// outside the pipeline; stages only drive it. Implementations read
// stats and frequencies from the ProcessingContext, never from shared
// caches.
type FormulaEngine interface {
	// ProcessPackageFormulae evaluates package-level formula fields.
	ProcessPackageFormulae(ctx context.Context, pc *ProcessingContext) error
	// ProcessResourceFormulae evaluates resource-level formula fields.
	ProcessResourceFormulae(ctx context.Context, pc *ProcessingContext) error
	// ProcessSuggestions evaluates suggestion formulae into the
	// package's suggestion map.
	ProcessSuggestions(ctx context.Context, pc *ProcessingContext) error
}

// FormulaStage drives the configured formula engine. Formula failures
// degrade to warnings; a bad formula must not undo a completed load.
type FormulaStage struct {
	engine FormulaEngine
	logger *slog.Logger
}

func NewFormulaStage(deps Dependencies) *FormulaStage {
	return &FormulaStage{engine: deps.Formula, logger: deps.Logger}
}

func (s *FormulaStage) Name() string { return "formula" }

func (s *FormulaStage) ShouldSkip(pc *ProcessingContext) bool {
	return s.engine == nil
}

func (s *FormulaStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	steps := []struct {
		name string
		run  func(context.Context, *ProcessingContext) error
	}{
		{"package formulae", s.engine.ProcessPackageFormulae},
		{"resource formulae", s.engine.ProcessResourceFormulae},
		{"suggestion formulae", s.engine.ProcessSuggestions},
	}
	for _, step := range steps {
		if err := step.run(ctx, pc); err != nil {
			pc.Logger.Warn("formula evaluation failed",
				slog.String("step", step.name),
				slog.String("error", err.Error()))
		}
	}
	return Continue()
}
