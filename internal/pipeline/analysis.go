package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
	"datapusher/internal/pii"
	"datapusher/internal/qsv"
)

// AnalysisStage derives everything the load needs from the normalized
// CSV: safe column names, per-column statistics and types, frequency
// tables, the preview slice, and the PII verdict.
type AnalysisStage struct {
	cfg      *config.Config
	runner   *qsv.Runner
	client   *ckan.Client
	screener *pii.Screener
	logger   *slog.Logger
}

func NewAnalysisStage(deps Dependencies) *AnalysisStage {
	return &AnalysisStage{
		cfg:      deps.Config,
		runner:   deps.QSV,
		client:   deps.CKAN,
		screener: deps.PII,
		logger:   deps.Logger,
	}
}

func (s *AnalysisStage) Name() string { return "analysis" }

func (s *AnalysisStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	if result := s.sanitizeColumnNames(ctx, pc); result.Outcome != OutcomeContinue {
		return result
	}

	// A side index makes the repeated scans below dramatically
	// cheaper. Removed at stage end; it indexes a temp file anyway.
	if err := s.runner.Index(ctx, pc.WorkingFile); err != nil {
		return Failf("indexing working file failed: %w", err)
	}
	defer os.Remove(pc.WorkingFile + ".idx")

	if pc.RecordCount == 0 {
		count, err := s.runner.Count(ctx, pc.WorkingFile)
		if err != nil {
			return Failf("counting records failed: %w", err)
		}
		pc.RecordCount = count
	}
	if pc.RecordCount == 0 {
		return Skip("upload skipped as there are zero records")
	}
	pc.Record("record_count", pc.RecordCount)

	s.fetchExistingSchema(ctx, pc)

	if result := s.inferSchema(ctx, pc); result.Outcome != OutcomeContinue {
		return result
	}
	if result := s.computeFrequencies(ctx, pc); result.Outcome != OutcomeContinue {
		return result
	}
	if result := s.applyPreview(ctx, pc); result.Outcome != OutcomeContinue {
		return result
	}
	if result := s.normalizeDates(ctx, pc); result.Outcome != OutcomeContinue {
		return result
	}
	return s.screenPII(ctx, pc)
}

// sanitizeColumnNames records the original labels, then rewrites any
// header that is not a safe relational identifier.
func (s *AnalysisStage) sanitizeColumnNames(ctx context.Context, pc *ProcessingContext) StageResult {
	headers, err := s.runner.Headers(ctx, pc.WorkingFile)
	if err != nil {
		return Failf("reading headers failed: %w", err)
	}
	pc.OriginalHeaders = headers

	report, err := s.runner.Safenames(ctx, pc.WorkingFile,
		s.cfg.Pipeline.ReservedColnames, s.cfg.Pipeline.UnsafePrefix)
	if err != nil {
		return Failf("header safety check failed: %w", err)
	}
	if len(report.UnsafeHeaders) == 0 {
		return Continue()
	}

	pc.Logger.Info("sanitizing unsafe column names",
		slog.Int("unsafe", len(report.UnsafeHeaders)),
		slog.String("headers", strings.Join(report.UnsafeHeaders, ", ")))
	sanitized := filepath.Join(pc.TmpDir, "safenames.csv")
	if err := s.runner.SanitizeHeaders(ctx, pc.WorkingFile, sanitized); err != nil {
		return Failf("header sanitization failed: %w", err)
	}
	pc.WorkingFile = sanitized
	return Continue()
}

// fetchExistingSchema pulls the prior table's data dictionary so
// labels and type overrides survive re-ingestion. A missing table is
// the normal first-run case, not an error.
func (s *AnalysisStage) fetchExistingSchema(ctx context.Context, pc *ProcessingContext) {
	fields, ok, err := s.client.DatastoreFields(ctx, pc.ResourceID)
	if err != nil || !ok {
		return
	}
	pc.HadDatastore = true
	pc.ExistingFields = make(map[string]*ckan.FieldInfo, len(fields))
	for _, f := range fields {
		if f.Info != nil {
			pc.ExistingFields[f.ID] = f.Info
		}
	}
}

func (s *AnalysisStage) inferSchema(ctx context.Context, pc *ProcessingContext) StageResult {
	needCardinality := s.cfg.Pipeline.AutoIndexThreshold != 0 || s.cfg.Pipeline.AutoUniqueIndex

	runner := s.runner
	if pc.IsSpatial {
		// Geometry columns can exceed the default string-length cap.
		runner = runner.WithEnv(fmt.Sprintf("QSV_STATS_STRING_MAX_LENGTH=%d", s.cfg.QSV.StatsStringMaxLen))
	}

	pc.Logger.Info("inferring column types and statistics",
		slog.Bool("cardinality", needCardinality),
		slog.Bool("prefer_dmy", s.cfg.Pipeline.PreferDMY))

	statsFile := filepath.Join(pc.TmpDir, "stats.csv")
	err := runner.Stats(ctx, pc.WorkingFile, statsFile, qsv.StatsOptions{
		InferDates:     true,
		DatesWhitelist: s.cfg.QSV.DatesWhitelist,
		PreferDMY:      s.cfg.Pipeline.PreferDMY,
		Cardinality:    needCardinality,
		ExtraOptions:   s.cfg.QSV.SummaryStatsExtras,
	})
	if err != nil {
		return Failf("statistics inference failed: %w", err)
	}
	pc.StatsFile = statsFile

	stats, order, err := parseStatsCSV(statsFile)
	if err != nil {
		return Failf("parsing statistics failed: %w", err)
	}
	pc.Stats = stats

	mapping := s.cfg.Pipeline.TypeMappingOrDefault()
	fields := make([]ckan.Field, 0, len(order))
	for i, name := range order {
		fieldStats := stats[name]
		var override string
		var info *ckan.FieldInfo
		if prior, ok := pc.ExistingFields[name]; ok {
			info = prior
			override = prior.TypeOverride
		} else if i < len(pc.OriginalHeaders) && pc.OriginalHeaders[i] != name {
			// New column whose name was sanitized: keep the original
			// header as its display label.
			info = &ckan.FieldInfo{Label: pc.OriginalHeaders[i]}
		}
		fields = append(fields, ckan.Field{
			ID:   name,
			Type: resolveType(fieldStats, mapping, override),
			Info: info,
		})
	}
	pc.Fields = fields
	return Continue()
}

// parseStatsCSV reads the tool's stats output into per-field records,
// preserving column order. Rows whose field carries the tool's own
// "qsv_" prefix are file-level summary rows and end schema intake.
func parseStatsCSV(path string) (map[string]*FieldStats, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read stats header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	get := func(record []string, name string) string {
		if i, ok := col[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	stats := make(map[string]*FieldStats)
	var order []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read stats row: %w", err)
		}
		name := get(record, "field")
		if strings.HasPrefix(name, "qsv_") {
			break
		}
		fs := &FieldStats{
			Field:        name,
			InferredType: get(record, "type"),
			Min:          get(record, "min"),
			Max:          get(record, "max"),
			Raw:          make(map[string]string, len(header)),
		}
		fs.NullCount, _ = strconv.Atoi(get(record, "nullcount"))
		fs.Cardinality, _ = strconv.Atoi(get(record, "cardinality"))
		for i, colName := range header {
			if i < len(record) {
				fs.Raw[colName] = record[i]
			}
		}
		stats[name] = fs
		order = append(order, name)
	}
	return stats, order, nil
}

func (s *AnalysisStage) computeFrequencies(ctx context.Context, pc *ProcessingContext) StageResult {
	freqFile := filepath.Join(pc.TmpDir, "freq.csv")
	if err := s.runner.Frequency(ctx, pc.WorkingFile, freqFile, s.cfg.QSV.FreqLimit); err != nil {
		return Failf("frequency analysis failed: %w", err)
	}
	freq, err := parseFrequencyCSV(freqFile)
	if err != nil {
		return Failf("parsing frequency table failed: %w", err)
	}
	pc.Frequency = freq
	return Continue()
}

// parseFrequencyCSV reads field,value,count,percentage rows into
// per-field top-N tables.
func parseFrequencyCSV(path string) (map[string][]ckan.FrequencyEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read frequency header: %w", err)
	}

	freq := make(map[string][]ckan.FrequencyEntry)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frequency row: %w", err)
		}
		if len(record) < 4 {
			continue
		}
		freq[record[0]] = append(freq[record[0]], ckan.FrequencyEntry{
			Value:      record[1],
			Count:      record[2],
			Percentage: record[3],
		})
	}
	return freq, nil
}

// applyPreview bounds the rows copied to the datastore. A positive
// setting slices from the head, a negative one from the tail; zero
// copies everything.
func (s *AnalysisStage) applyPreview(ctx context.Context, pc *ProcessingContext) StageResult {
	previewRows := s.cfg.Pipeline.PreviewRows
	pc.RowsToCopy = pc.RecordCount
	if previewRows == 0 {
		return Continue()
	}

	want := previewRows
	if want < 0 {
		want = -want
	}
	if want >= pc.RecordCount {
		return Continue()
	}

	sliced := filepath.Join(pc.TmpDir, "preview.csv")
	start := 0
	if previewRows < 0 {
		start = -1
	}
	if err := s.runner.Slice(ctx, pc.WorkingFile, sliced, start, want); err != nil {
		return Failf("preview slice failed: %w", err)
	}
	pc.WorkingFile = sliced
	pc.RowsToCopy = want
	pc.Record("preview_rows", want)
	pc.Logger.Info("copying a preview slice only",
		slog.Int("rows", want), slog.Int("record_count", pc.RecordCount))
	return Continue()
}

// normalizeDates rewrites inferred date/datetime columns as RFC 3339
// so COPY can load them into timestamp columns without locale
// ambiguity.
func (s *AnalysisStage) normalizeDates(ctx context.Context, pc *ProcessingContext) StageResult {
	var dateCols []string
	for _, field := range pc.Fields {
		stats, ok := pc.Stats[field.ID]
		if !ok {
			continue
		}
		if stats.InferredType == "Date" || stats.InferredType == "DateTime" {
			dateCols = append(dateCols, field.ID)
		}
	}
	if len(dateCols) == 0 {
		return Continue()
	}

	pc.Logger.Info("normalizing date columns", slog.Int("columns", len(dateCols)))
	formatted := filepath.Join(pc.TmpDir, "datefmt.csv")
	if err := s.runner.Datefmt(ctx, dateCols, pc.WorkingFile, formatted, s.cfg.Pipeline.PreferDMY); err != nil {
		return Failf("date normalization failed: %w", err)
	}
	pc.WorkingFile = formatted
	return Continue()
}

func (s *AnalysisStage) screenPII(ctx context.Context, pc *ProcessingContext) StageResult {
	if !s.cfg.PII.Enabled || s.screener == nil {
		return Continue()
	}

	report, err := s.screener.Screen(ctx, pc.WorkingFile, pc.TmpDir)
	if err != nil {
		return Failf("PII screening failed: %w", err)
	}
	pc.PIIFound = report.Found
	pc.Record("pii_found", report.Found)
	if report.Rows > 0 {
		pc.Record("pii_candidate_rows", report.Rows)
	}
	if report.CandidatesFile != "" {
		if err := s.publishPIICandidates(ctx, pc, report.CandidatesFile); err != nil {
			pc.Logger.Warn("publishing PII candidates failed",
				slog.String("error", err.Error()))
		}
	}

	// Publishing the candidates for review supersedes aborting: the
	// flagged rows land in their own resource instead of blocking the
	// load.
	if report.Found && s.cfg.PII.AbortOnFound && !s.cfg.PII.ShowCandidates {
		return Failf("upload aborted, PII detected in %d rows", report.Rows)
	}
	return Continue()
}

// publishPIICandidates uploads the flagged rows as a sibling resource
// so reviewers can inspect what the screen matched.
func (s *AnalysisStage) publishPIICandidates(ctx context.Context, pc *ProcessingContext, candidatesFile string) error {
	name := pc.Resource.Name + "-pii-candidates"
	if priorID, exists, err := s.client.ResourceExists(ctx, pc.Package.ID, name); err == nil && exists {
		_ = s.client.DeleteResource(ctx, priorID)
	}
	res := &ckan.Resource{
		PackageID: pc.Package.ID,
		Name:      name,
		Format:    "CSV",
	}
	if err := s.client.UploadResource(ctx, res, candidatesFile); err != nil {
		return fmt.Errorf("upload PII candidates: %w", err)
	}
	pc.Record("pii_candidates_resource", name)
	pc.Logger.Info("PII candidates resource published", slog.String("name", name))
	return nil
}
