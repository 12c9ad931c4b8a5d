// Package qsv wraps the external columnar analysis tool as typed,
// synchronous command invocations. Every operation runs the binary to
// completion and returns either a parsed result or an *Error carrying
// the tool's diagnostic output. No operation is idempotent; callers
// must not re-invoke on partial output.
package qsv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MinimumVersion is the oldest tool release the adapter supports.
const MinimumVersion = "4.0.0"

// Runner invokes the analysis tool binary.
type Runner struct {
	bin     string
	timeout time.Duration
	logger  *slog.Logger
	env     []string
}

// New creates a Runner for the given binary path. Each invocation is
// bounded by timeout.
func New(bin string, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		bin:     bin,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "qsv")),
	}
}

// WithEnv returns a Runner that adds the given KEY=VALUE pairs to the
// tool's environment. Used for per-call tuning such as the stats
// string-length cap on spatial sources.
func (r *Runner) WithEnv(env ...string) *Runner {
	clone := *r
	clone.env = append(append([]string{}, r.env...), env...)
	return &clone
}

// Error is a failed tool invocation. Stderr carries the tool's own
// diagnostic text.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("qsv %s failed", strings.Join(e.Args, " "))
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// run executes the binary and returns trimmed stdout and stderr.
func (r *Runner) run(ctx context.Context, args ...string) (string, string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running qsv", slog.String("args", strings.Join(args, " ")))

	if err := cmd.Run(); err != nil {
		return "", "", &Error{
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}

	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), nil
}

// Version returns the tool's version string.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, _, err := r.run(ctx, "--version")
	if err != nil {
		return "", err
	}
	// Version output looks like "qsv 4.0.0-mimalloc-..."; keep the
	// semver portion.
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return "", fmt.Errorf("cannot parse qsv version info: %q", out)
	}
	version := fields[1]
	if idx := strings.IndexByte(version, '-'); idx > 0 {
		version = version[:idx]
	}
	return version, nil
}

// CheckVersion verifies the binary exists and meets MinimumVersion.
func (r *Runner) CheckVersion(ctx context.Context) error {
	if _, err := os.Stat(r.bin); err != nil {
		return fmt.Errorf("%s not found: %w", r.bin, err)
	}
	version, err := r.Version(ctx)
	if err != nil {
		return err
	}
	ok, err := versionAtLeast(version, MinimumVersion)
	if err != nil {
		return fmt.Errorf("cannot parse qsv version info: %w", err)
	}
	if !ok {
		return fmt.Errorf("at least qsv version %s required, found %s", MinimumVersion, version)
	}
	return nil
}

func versionAtLeast(version, minimum string) (bool, error) {
	parse := func(v string) ([3]int, error) {
		var parts [3]int
		for i, p := range strings.SplitN(v, ".", 3) {
			n, err := strconv.Atoi(p)
			if err != nil {
				return parts, err
			}
			parts[i] = n
		}
		return parts, nil
	}
	got, err := parse(version)
	if err != nil {
		return false, err
	}
	want, err := parse(minimum)
	if err != nil {
		return false, err
	}
	for i := range got {
		if got[i] != want[i] {
			return got[i] > want[i], nil
		}
	}
	return true, nil
}

// Input normalizes a delimited file (quoting, line endings) and
// optionally trims header whitespace.
func (r *Runner) Input(ctx context.Context, inputFile, outputFile string, trimHeaders bool) error {
	args := []string{"input", inputFile}
	if trimHeaders {
		args = append(args, "--trim-headers")
	}
	args = append(args, "--output", outputFile)
	_, _, err := r.run(ctx, args...)
	return err
}

// Excel exports one sheet of a spreadsheet file to CSV, trimming
// cell whitespace.
func (r *Runner) Excel(ctx context.Context, inputFile, outputFile string, sheet int) error {
	_, _, err := r.run(ctx, "excel", inputFile,
		"--sheet", strconv.Itoa(sheet), "--trim", "--output", outputFile)
	return err
}

// Geoconvert converts a spatial file to CSV, truncating geometry
// strings longer than maxLength.
func (r *Runner) Geoconvert(ctx context.Context, inputFile, inputFormat, outputFile string, maxLength int) error {
	args := []string{"geoconvert", inputFile, strings.ToLower(inputFormat), "csv"}
	if maxLength > 0 {
		args = append(args, "--max-length", strconv.Itoa(maxLength))
	}
	args = append(args, "--output", outputFile)
	_, _, err := r.run(ctx, args...)
	return err
}

// Validate checks the file against RFC 4180.
func (r *Runner) Validate(ctx context.Context, inputFile string) error {
	_, _, err := r.run(ctx, "validate", inputFile)
	return err
}

// SortcheckResult is the combined sortedness/duplicate report.
type SortcheckResult struct {
	Sorted         bool `json:"sorted"`
	RecordCount    int  `json:"record_count"`
	UnsortedBreaks int  `json:"unsorted_breaks"`
	DupeCount      int  `json:"dupe_count"`
}

// Sortcheck scans the file once, reporting sort order, record count,
// unsorted breaks, and duplicate rows.
func (r *Runner) Sortcheck(ctx context.Context, inputFile string) (*SortcheckResult, error) {
	stdout, _, err := r.run(ctx, "sortcheck", inputFile, "--json")
	if err != nil {
		return nil, err
	}
	var result SortcheckResult
	if jsonErr := json.Unmarshal([]byte(stdout), &result); jsonErr != nil {
		return nil, fmt.Errorf("failed to parse sortcheck JSON output: %w", jsonErr)
	}
	return &result, nil
}

// ExtDedup removes duplicate rows.
func (r *Runner) ExtDedup(ctx context.Context, inputFile, outputFile string) error {
	_, _, err := r.run(ctx, "extdedup", inputFile, outputFile)
	return err
}

// Headers returns the file's header names, one per line in tool
// output, in column order.
func (r *Runner) Headers(ctx context.Context, inputFile string) ([]string, error) {
	stdout, _, err := r.run(ctx, "headers", inputFile, "--just-names")
	if err != nil {
		return nil, err
	}
	if stdout == "" {
		return nil, nil
	}
	return strings.Split(stdout, "\n"), nil
}

// SafenamesReport lists headers that are not database-safe.
type SafenamesReport struct {
	UnsafeHeaders []string `json:"unsafe_headers"`
	SafeHeaders   []string `json:"safe_headers"`
}

// Safenames reports which headers are unsafe as relational
// identifiers (reserved words, non-identifier characters, leading
// digits).
func (r *Runner) Safenames(ctx context.Context, inputFile, reserved, prefix string) (*SafenamesReport, error) {
	args := []string{"safenames", inputFile, "--mode", "json"}
	if reserved != "" {
		args = append(args, "--reserved", reserved)
	}
	if prefix != "" {
		args = append(args, "--prefix", prefix)
	}
	stdout, _, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var report SafenamesReport
	if jsonErr := json.Unmarshal([]byte(stdout), &report); jsonErr != nil {
		return nil, fmt.Errorf("failed to parse safenames JSON output: %w", jsonErr)
	}
	return &report, nil
}

// SanitizeHeaders rewrites the file with database-safe headers,
// prefixing originally-unsafe names.
func (r *Runner) SanitizeHeaders(ctx context.Context, inputFile, outputFile string) error {
	_, _, err := r.run(ctx, "safenames", inputFile, "--mode", "conditional", "--output", outputFile)
	return err
}

// Index builds a side index file (inputFile + ".idx") that accelerates
// subsequent scans. The index file is not managed by the temp-file
// lifecycle; callers remove it.
func (r *Runner) Index(ctx context.Context, inputFile string) error {
	_, _, err := r.run(ctx, "index", inputFile)
	return err
}

// Count returns the number of data rows.
func (r *Runner) Count(ctx context.Context, inputFile string) (int, error) {
	stdout, _, err := r.run(ctx, "count", inputFile)
	if err != nil {
		return 0, err
	}
	count, convErr := strconv.Atoi(stdout)
	if convErr != nil {
		return 0, fmt.Errorf("cannot parse count output %q: %w", stdout, convErr)
	}
	return count, nil
}

// StatsOptions tunes the stats operation.
type StatsOptions struct {
	InferDates     bool
	DatesWhitelist string
	PreferDMY      bool
	Cardinality    bool
	ExtraOptions   string
}

// Stats infers per-column type, min, max, null count, and optionally
// cardinality, writing the result as CSV to outputFile.
func (r *Runner) Stats(ctx context.Context, inputFile, outputFile string, opts StatsOptions) error {
	args := []string{"stats", inputFile}
	if opts.InferDates {
		args = append(args, "--infer-dates", "--dates-whitelist", opts.DatesWhitelist)
	}
	args = append(args, "--stats-jsonl")
	if opts.PreferDMY {
		args = append(args, "--prefer-dmy")
	}
	if opts.Cardinality {
		args = append(args, "--cardinality")
	}
	if opts.ExtraOptions != "" {
		args = append(args, strings.Fields(opts.ExtraOptions)...)
	}
	args = append(args, "--output", outputFile)
	_, _, err := r.run(ctx, args...)
	return err
}

// StatsTypesOnly returns the per-column types as "field,type" CSV text
// on stdout, used to derive the schema of a stats file itself.
func (r *Runner) StatsTypesOnly(ctx context.Context, inputFile string) (string, error) {
	stdout, _, err := r.run(ctx, "stats", inputFile, "--typesonly")
	return stdout, err
}

// Frequency computes the top-limit value/count/percentage triples per
// column, writing CSV to outputFile.
func (r *Runner) Frequency(ctx context.Context, inputFile, outputFile string, limit int) error {
	_, _, err := r.run(ctx, "frequency", "--limit", strconv.Itoa(limit), inputFile, "--output", outputFile)
	return err
}

// Slice writes length rows starting at start (0-based; -1 anchors the
// slice at the end of the file).
func (r *Runner) Slice(ctx context.Context, inputFile, outputFile string, start, length int) error {
	args := []string{"slice", inputFile}
	if start != 0 {
		args = append(args, "--start", strconv.Itoa(start))
	}
	args = append(args, "--len", strconv.Itoa(length), "--output", outputFile)
	_, _, err := r.run(ctx, args...)
	return err
}

// Datefmt rewrites the named date columns to RFC 3339 text.
func (r *Runner) Datefmt(ctx context.Context, dateCols []string, inputFile, outputFile string, preferDMY bool) error {
	args := []string{"datefmt", strings.Join(dateCols, ","), inputFile}
	if preferDMY {
		args = append(args, "--prefer-dmy")
	}
	args = append(args, "--output", outputFile)
	_, _, err := r.run(ctx, args...)
	return err
}

// SearchSetOptions tunes the multi-pattern search.
type SearchSetOptions struct {
	IgnoreCase      bool
	Quick           bool
	Flag            string
	FlagMatchesOnly bool
	OutputFile      string
}

// SearchSetResult summarizes a multi-pattern scan.
type SearchSetResult struct {
	Matched bool
	Rows    int
	Stderr  string
}

// SearchSet scans the file against every regex in regexFile in a
// single pass. Exit code 1 from the tool means "no match" and is not
// an error.
func (r *Runner) SearchSet(ctx context.Context, regexFile, inputFile string, opts SearchSetOptions) (*SearchSetResult, error) {
	args := []string{"searchset", regexFile, inputFile}
	if opts.IgnoreCase {
		args = append(args, "--ignore-case")
	}
	if opts.Quick {
		args = append(args, "--quick")
	}
	if opts.Flag != "" {
		args = append(args, "--flag", opts.Flag)
	}
	if opts.FlagMatchesOnly {
		args = append(args, "--flag-matches-only")
	}
	args = append(args, "--json")
	if opts.OutputFile != "" {
		args = append(args, "--output", opts.OutputFile)
	}

	stdout, stderr, err := r.run(ctx, args...)
	if err != nil {
		var toolErr *Error
		var exitErr *exec.ExitError
		if errors.As(err, &toolErr) && errors.As(toolErr.Err, &exitErr) && exitErr.ExitCode() == 1 {
			return &SearchSetResult{Matched: false, Stderr: toolErr.Stderr}, nil
		}
		return nil, err
	}

	result := &SearchSetResult{Matched: true, Stderr: stderr}
	var payload struct {
		Rows int `json:"rows_with_matches"`
	}
	if jsonErr := json.Unmarshal([]byte(stdout), &payload); jsonErr == nil {
		result.Rows = payload.Rows
	}
	return result, nil
}
