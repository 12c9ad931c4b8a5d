// Package pipeline runs the fixed stage sequence that turns a
// catalogued file into a queryable datastore table: download, format
// conversion, validation, analysis, database load, indexing, formula
// evaluation, and metadata updates.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
	"datapusher/internal/datastore"
	"datapusher/internal/pii"
	"datapusher/internal/qsv"
)

// DatastoreDial opens a database session for one stage. Sessions are
// short lived; each stage that needs the database dials and closes its
// own.
type DatastoreDial func(ctx context.Context) (datastore.Store, error)

// Dependencies are the collaborators the stages share.
type Dependencies struct {
	Config     *config.Config
	CKAN       *ckan.Client
	QSV        *qsv.Runner
	Datastore  DatastoreDial
	PII        *pii.Screener
	Simplifier Simplifier
	Formula    FormulaEngine
	Logger     *slog.Logger
}

// Pipeline executes stages in their fixed order.
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
}

// New assembles the standard eight-stage pipeline.
func New(deps Dependencies) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		logger: deps.Logger,
		stages: []Stage{
			NewDownloadStage(deps),
			NewFormatConverterStage(deps),
			NewValidationStage(deps),
			NewAnalysisStage(deps),
			NewDatabaseStage(deps),
			NewIndexingStage(deps),
			NewFormulaStage(deps),
			NewMetadataStage(deps),
		},
	}
}

// NewWithStages builds a pipeline over an explicit stage list.
func NewWithStages(logger *slog.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{stages: stages, logger: logger}
}

// Run executes the pipeline against pc. A Skip from any stage ends the
// run as a no-op success. A Fail is returned as a JobError attributed
// to the failing stage.
func (p *Pipeline) Run(ctx context.Context, pc *ProcessingContext) error {
	logger := p.logger
	if pc.Logger != nil {
		logger = pc.Logger
	}

	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return &JobError{Stage: stage.Name(), Message: "job cancelled", Cause: err}
		}
		if skipper, ok := stage.(Skipper); ok && skipper.ShouldSkip(pc) {
			logger.Debug("stage not applicable", slog.String("stage", stage.Name()))
			continue
		}

		start := time.Now()
		logger.Info("stage starting", slog.String("stage", stage.Name()))
		result := stage.Process(ctx, pc)

		switch result.Outcome {
		case OutcomeContinue:
			logger.Info("stage complete",
				slog.String("stage", stage.Name()),
				slog.Duration("elapsed", time.Since(start)))
		case OutcomeSkip:
			logger.Info("processing skipped",
				slog.String("stage", stage.Name()),
				slog.String("reason", result.Reason))
			return nil
		case OutcomeFail:
			if je, ok := IsJobError(result.Err); ok {
				return je
			}
			return &JobError{Stage: stage.Name(), Message: "stage failed", Cause: result.Err}
		}
	}
	return nil
}
