package pipeline

import "fmt"

// Outcome is the tag of a StageResult.
type Outcome int

const (
	// OutcomeContinue hands control to the next stage.
	OutcomeContinue Outcome = iota
	// OutcomeSkip ends the pipeline as a deliberate no-op success.
	OutcomeSkip
	// OutcomeFail aborts the pipeline with an error.
	OutcomeFail
)

// StageResult is the explicit verdict every stage returns. The
// orchestrator switches on Outcome exhaustively; there is no implicit
// "nil means stop" path.
type StageResult struct {
	Outcome Outcome
	Reason  string
	Err     error
}

// Continue proceeds to the next stage.
func Continue() StageResult {
	return StageResult{Outcome: OutcomeContinue}
}

// Skip ends the run without error, recording why.
func Skip(reason string) StageResult {
	return StageResult{Outcome: OutcomeSkip, Reason: reason}
}

// Fail aborts the run with err.
func Fail(err error) StageResult {
	return StageResult{Outcome: OutcomeFail, Err: err}
}

// Failf aborts the run with a formatted error.
func Failf(format string, args ...any) StageResult {
	return StageResult{Outcome: OutcomeFail, Err: fmt.Errorf(format, args...)}
}
