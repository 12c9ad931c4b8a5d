package pipeline

import "context"

// Stage is one step of the ingestion pipeline.
type Stage interface {
	// Name identifies the stage in logs and error attribution.
	Name() string
	// Process runs the stage against the shared processing context.
	Process(ctx context.Context, pc *ProcessingContext) StageResult
}

// Skipper lets a stage opt out before Process is called, from state
// alone. Skipped-over stages do not end the run; they just don't
// execute.
type Skipper interface {
	ShouldSkip(pc *ProcessingContext) bool
}
