// Package pii screens tabular files for personally identifiable
// information before they are loaded into the datastore.
package pii

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"datapusher/internal/config"
	"datapusher/internal/qsv"
)

// defaultPatterns are the regexes applied when no custom pattern
// resource is configured. One pattern per line, matching US SSNs,
// payment card numbers, email addresses, and NANP phone numbers.
const defaultPatterns = `\b\d{3}-\d{2}-\d{4}\b
\b(?:\d[ -]*?){13,16}\b
\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b
\b\(?\d{3}\)?[ -.]?\d{3}[ -.]?\d{4}\b
`

// RegexFetcher resolves a configured pattern resource to a local file.
// The pipeline wires this to an authenticated catalog download.
type RegexFetcher func(ctx context.Context, resourceIDOrAlias, destDir string) (string, error)

// Report is the outcome of one screen.
type Report struct {
	Found bool
	// Rows is the number of rows with at least one match. Zero under
	// quick screening, which stops at the first match.
	Rows int
	// CandidatesFile holds the flagged-rows CSV when candidate output
	// is enabled and matches were found.
	CandidatesFile string
}

// Screener runs the multi-pattern scan.
type Screener struct {
	cfg    config.PIIConfig
	runner *qsv.Runner
	fetch  RegexFetcher
	logger *slog.Logger
}

func NewScreener(cfg config.PIIConfig, runner *qsv.Runner, fetch RegexFetcher, logger *slog.Logger) *Screener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Screener{
		cfg:    cfg,
		runner: runner,
		fetch:  fetch,
		logger: logger.With(slog.String("component", "pii")),
	}
}

// Screen scans csvPath against the configured patterns. tmpDir hosts
// the pattern file and any candidates output; callers own its cleanup.
func (s *Screener) Screen(ctx context.Context, csvPath, tmpDir string) (*Report, error) {
	regexFile, err := s.patternFile(ctx, tmpDir)
	if err != nil {
		return nil, err
	}

	opts := qsv.SearchSetOptions{IgnoreCase: true}
	report := &Report{}

	if s.cfg.QuickScreen {
		s.logger.Info("quick scanning for PII")
		opts.Quick = true
		result, err := s.runner.SearchSet(ctx, regexFile, csvPath, opts)
		if err != nil {
			return nil, fmt.Errorf("PII quick screen failed: %w", err)
		}
		report.Found = result.Matched
		return report, nil
	}

	s.logger.Info("scanning for PII", slog.Bool("show_candidates", s.cfg.ShowCandidates))
	opts.Flag = "PII_info"
	opts.FlagMatchesOnly = true
	candidates := filepath.Join(tmpDir, "pii_candidates.csv")
	opts.OutputFile = candidates

	result, err := s.runner.SearchSet(ctx, regexFile, csvPath, opts)
	if err != nil {
		return nil, fmt.Errorf("PII screen failed: %w", err)
	}
	report.Found = result.Matched
	report.Rows = result.Rows
	if result.Matched && s.cfg.ShowCandidates {
		report.CandidatesFile = candidates
	}
	return report, nil
}

// patternFile materializes the regex set to scan with. A configured
// pattern resource wins; otherwise the built-in defaults are written
// to tmpDir.
func (s *Screener) patternFile(ctx context.Context, tmpDir string) (string, error) {
	if s.cfg.RegexResource != "" && s.fetch != nil {
		path, err := s.fetch(ctx, s.cfg.RegexResource, tmpDir)
		if err != nil {
			return "", fmt.Errorf("fetch PII pattern resource %q: %w", s.cfg.RegexResource, err)
		}
		return path, nil
	}
	path := filepath.Join(tmpDir, "default_pii.regex")
	if err := os.WriteFile(path, []byte(defaultPatterns), 0o600); err != nil {
		return "", fmt.Errorf("write default PII patterns: %w", err)
	}
	return path, nil
}
