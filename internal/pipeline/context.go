package pipeline

import (
	"fmt"
	"log/slog"

	"datapusher/internal/ckan"
	"datapusher/internal/jobs"
)

// FieldStats holds one column's inferred statistics.
type FieldStats struct {
	Field        string
	InferredType string
	Min          string
	Max          string
	NullCount    int
	Cardinality  int
	// Raw keeps every stats column by name for the summary-stats
	// resource and formula evaluation.
	Raw map[string]string
}

// ProcessingContext is the single mutable state threaded through the
// stages of one job. It is owned by exactly one goroutine for the
// job's lifetime; nothing here is shared across jobs.
type ProcessingContext struct {
	TaskID string
	Logger *slog.Logger

	// TmpDir is the per-job scratch directory. The job runner removes
	// it after the pipeline finishes, success or not.
	TmpDir string

	ResourceID string
	// Force bypasses the unchanged-hash skip.
	Force bool

	Resource *ckan.Resource
	Package  *ckan.Package

	// WorkingFile is the current on-disk representation of the data.
	// Stages that rewrite the file replace this path.
	WorkingFile string
	Format      string
	IsSpatial   bool

	Hash            string
	DownloadedBytes int64
	PartialDownload bool

	// OriginalHeaders are the pre-sanitization column labels, in
	// column order. Fields carry the database-safe names.
	OriginalHeaders []string
	Fields          []ckan.Field

	// ExistingFields is the data dictionary of a prior datastore table
	// keyed by column name; its type overrides and labels survive
	// re-ingestion.
	ExistingFields map[string]*ckan.FieldInfo
	HadDatastore   bool

	Stats     map[string]*FieldStats
	StatsFile string
	Frequency map[string][]ckan.FrequencyEntry

	RecordCount int
	RowsToCopy  int
	DupeCount   int
	Deduped     bool
	Sorted      bool
	CopiedCount int64

	Alias    string
	PIIFound bool

	meta []jobs.MetadataEntry
}

// PreviewMode reports whether only a preview slice of the file will be
// copied to the datastore.
func (pc *ProcessingContext) PreviewMode() bool {
	return pc.RowsToCopy > 0 && pc.RowsToCopy < pc.RecordCount
}

// Record appends a dataset statistic to the job's metadata trail.
func (pc *ProcessingContext) Record(key string, value any) {
	entry := jobs.MetadataEntry{Key: key, Value: fmt.Sprintf("%v", value)}
	switch value.(type) {
	case int, int64:
		entry.Type = "int"
	case float64:
		entry.Type = "float"
	case bool:
		entry.Type = "bool"
	default:
		entry.Type = "string"
	}
	pc.meta = append(pc.meta, entry)
}

// Metadata returns the recorded dataset statistics in insertion order.
func (pc *ProcessingContext) Metadata() []jobs.MetadataEntry {
	return pc.meta
}
