package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/saintfish/chardet"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
	"datapusher/internal/qsv"
)

// Simplifier reduces the geometry complexity of a spatial file.
// Implementations are external; the stage only consumes the simplified
// file and its bounding box.
type Simplifier interface {
	Simplify(ctx context.Context, inputFile string, relativeTolerance float64, destDir string) (outputFile string, extent *ckan.SpatialExtent, err error)
}

var (
	spreadsheetFormats = map[string]bool{
		"xlsx": true, "xls": true, "xlsm": true, "xlsb": true, "ods": true,
	}
	// ooxmlFormats are readable in-process; the rest go through the
	// analysis tool's spreadsheet export.
	ooxmlFormats = map[string]bool{"xlsx": true, "xlsm": true}

	spatialFormats = map[string]bool{"shp": true, "geojson": true, "qgis": true}
)

// FormatConverterStage normalizes the downloaded file into a UTF-8
// CSV the rest of the pipeline can treat uniformly.
type FormatConverterStage struct {
	cfg        *config.Config
	runner     *qsv.Runner
	client     *ckan.Client
	simplifier Simplifier
	logger     *slog.Logger
}

func NewFormatConverterStage(deps Dependencies) *FormatConverterStage {
	return &FormatConverterStage{
		cfg:        deps.Config,
		runner:     deps.QSV,
		client:     deps.CKAN,
		simplifier: deps.Simplifier,
		logger:     deps.Logger,
	}
}

func (s *FormatConverterStage) Name() string { return "format_converter" }

func (s *FormatConverterStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	// The analysis tool sniffs delimiters from the extension, so the
	// working file must carry the real one.
	if err := s.ensureExtension(pc); err != nil {
		return Fail(err)
	}

	switch {
	case spreadsheetFormats[pc.Format]:
		return s.convertSpreadsheet(ctx, pc)
	case spatialFormats[pc.Format]:
		return s.convertSpatial(ctx, pc)
	default:
		return s.normalizeDelimited(ctx, pc)
	}
}

func (s *FormatConverterStage) ensureExtension(pc *ProcessingContext) error {
	want := "." + pc.Format
	if filepath.Ext(pc.WorkingFile) == want {
		return nil
	}
	renamed := strings.TrimSuffix(pc.WorkingFile, filepath.Ext(pc.WorkingFile)) + want
	if err := os.Rename(pc.WorkingFile, renamed); err != nil {
		return fmt.Errorf("rename working file: %w", err)
	}
	pc.WorkingFile = renamed
	return nil
}

func (s *FormatConverterStage) convertSpreadsheet(ctx context.Context, pc *ProcessingContext) StageResult {
	pc.Logger.Info("converting spreadsheet to CSV",
		slog.String("format", pc.Format),
		slog.Int("sheet", s.cfg.Pipeline.DefaultExcelSheet))

	out := filepath.Join(pc.TmpDir, "converted.csv")
	var err error
	if ooxmlFormats[pc.Format] {
		err = exportSheet(pc.WorkingFile, out, s.cfg.Pipeline.DefaultExcelSheet)
	} else {
		err = s.runner.Excel(ctx, pc.WorkingFile, out, s.cfg.Pipeline.DefaultExcelSheet)
	}
	if err != nil {
		return Failf("upload aborted, cannot export spreadsheet to CSV: %w", err)
	}
	pc.WorkingFile = out
	pc.Format = "csv"
	return Continue()
}

// exportSheet writes one worksheet as CSV, trimming cell whitespace.
func exportSheet(inputFile, outputFile string, sheet int) error {
	book, err := excelize.OpenFile(inputFile)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer book.Close()

	name := book.GetSheetName(sheet)
	if name == "" {
		return fmt.Errorf("workbook has no sheet at index %d", sheet)
	}
	rows, err := book.Rows(name)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", name, err)
	}
	defer rows.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	width := 0
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("read sheet row: %w", err)
		}
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		// Pad short rows so every record has the header's width.
		if width == 0 {
			width = len(cells)
		}
		for len(cells) < width {
			cells = append(cells, "")
		}
		if err := w.Write(cells); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (s *FormatConverterStage) convertSpatial(ctx context.Context, pc *ProcessingContext) StageResult {
	pc.IsSpatial = true

	if s.simplifier != nil && s.cfg.Spatial.AutoSimplify {
		if err := s.publishSimplified(ctx, pc); err != nil {
			pc.Logger.Warn("spatial simplification failed, continuing without it",
				slog.String("error", err.Error()))
		}
	}

	pc.Logger.Info("converting spatial file to CSV", slog.String("format", pc.Format))
	out := filepath.Join(pc.TmpDir, "converted.csv")
	err := s.runner.Geoconvert(ctx, pc.WorkingFile, pc.Format, out, s.cfg.QSV.StatsStringMaxLen)
	if err != nil {
		return Failf("upload aborted, cannot convert spatial file to CSV: %w", err)
	}
	pc.WorkingFile = out
	pc.Format = "csv"
	return Continue()
}

// publishSimplified runs the simplification collaborator and replaces
// the sibling "_simplified" resource with the result.
func (s *FormatConverterStage) publishSimplified(ctx context.Context, pc *ProcessingContext) error {
	simplified, extent, err := s.simplifier.Simplify(
		ctx, pc.WorkingFile, s.cfg.Spatial.RelativeTolerance, pc.TmpDir)
	if err != nil {
		return err
	}

	name := pc.Resource.Name + "_simplified"
	if priorID, exists, err := s.client.ResourceExists(ctx, pc.Package.ID, name); err == nil && exists {
		if err := s.client.DeleteResource(ctx, priorID); err != nil {
			pc.Logger.Warn("cannot delete prior simplified resource",
				slog.String("resource_id", priorID), slog.String("error", err.Error()))
		}
	}

	sibling := &ckan.Resource{
		PackageID:     pc.Package.ID,
		Name:          name,
		Format:        pc.Format,
		SpatialExtent: extent,
	}
	if err := s.client.UploadResource(ctx, sibling, simplified); err != nil {
		return fmt.Errorf("upload simplified resource: %w", err)
	}
	pc.Logger.Info("published simplified spatial resource", slog.String("name", name))
	return nil
}

// normalizeDelimited transcodes to UTF-8 when needed, then runs the
// tool's input normalization (quoting, line endings, header trim).
func (s *FormatConverterStage) normalizeDelimited(ctx context.Context, pc *ProcessingContext) StageResult {
	charset, err := detectCharset(pc.WorkingFile)
	if err != nil {
		return Failf("detect file encoding: %w", err)
	}
	if !isUTF8(charset) {
		pc.Logger.Info("transcoding to UTF-8", slog.String("detected", charset))
		transcoded := filepath.Join(pc.TmpDir, "utf8."+pc.Format)
		if err := transcodeToUTF8(pc.WorkingFile, transcoded, charset); err != nil {
			return Failf("upload aborted, cannot transcode %s file to UTF-8: %w", charset, err)
		}
		pc.WorkingFile = transcoded
	}

	out := filepath.Join(pc.TmpDir, "normalized.csv")
	if err := s.runner.Input(ctx, pc.WorkingFile, out, true); err != nil {
		return Failf("upload aborted, file is not parsable as delimited data: %w", err)
	}
	pc.WorkingFile = out
	pc.Format = "csv"
	return Continue()
}

// detectCharset samples the head of the file; the detector does not
// need the whole body for a confident call.
func detectCharset(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sample := make([]byte, 64*1024)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if n == 0 {
		return "UTF-8", nil
	}

	result, err := chardet.NewTextDetector().DetectBest(sample[:n])
	if err != nil {
		// Undetectable content is passed through untouched.
		return "UTF-8", nil
	}
	return result.Charset, nil
}

func isUTF8(charset string) bool {
	switch strings.ToUpper(charset) {
	case "UTF-8", "US-ASCII", "ASCII", "":
		return true
	}
	return false
}

func transcodeToUTF8(inputFile, outputFile, charset string) error {
	enc, err := htmlindex.Get(strings.ToLower(charset))
	if err != nil {
		return fmt.Errorf("no decoder for charset %q: %w", charset, err)
	}

	in, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, transform.NewReader(in, enc.NewDecoder()))
	return err
}
