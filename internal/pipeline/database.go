package pipeline

import (
	"bufio"
	"context"
	"log/slog"
	"os"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
)

// DatabaseStage registers the table schema with the datastore, then
// bulk-loads the working file straight into Postgres with COPY.
type DatabaseStage struct {
	cfg    *config.Config
	client *ckan.Client
	dial   DatastoreDial
	logger *slog.Logger
}

func NewDatabaseStage(deps Dependencies) *DatabaseStage {
	return &DatabaseStage{
		cfg:    deps.Config,
		client: deps.CKAN,
		dial:   deps.Datastore,
		logger: deps.Logger,
	}
}

func (s *DatabaseStage) Name() string { return "database" }

func (s *DatabaseStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	if pc.HadDatastore {
		pc.Logger.Info("deleting existing datastore table before reload")
		if err := s.client.DeleteDatastoreTable(ctx, pc.ResourceID); err != nil {
			return Failf("delete existing datastore table: %w", err)
		}
	}

	// Schema-only registration; rows go in via COPY below, not the
	// record-at-a-time datastore API.
	_, err := s.client.DatastoreCreate(ctx, ckan.DatastoreCreateRequest{
		ResourceID: pc.ResourceID,
		Fields:     pc.Fields,
	})
	if err != nil {
		return Failf("create datastore table: %w", err)
	}

	db, err := s.dial(ctx)
	if err != nil {
		return Fail(err)
	}
	defer db.Close(ctx)

	file, err := os.Open(pc.WorkingFile)
	if err != nil {
		return Failf("open working file for copy: %w", err)
	}
	defer file.Close()

	columns := make([]string, len(pc.Fields))
	for i, field := range pc.Fields {
		columns[i] = field.ID
	}

	pc.Logger.Info("copying rows into datastore",
		slog.Int("columns", len(columns)), slog.Int("rows", pc.RowsToCopy))
	reader := bufio.NewReaderSize(file, s.cfg.Datastore.CopyBufferSize)
	copied, err := db.CopyCSV(ctx, pc.ResourceID, columns, reader, true)
	if err != nil {
		return Failf("bulk copy failed: %w", err)
	}
	pc.CopiedCount = copied
	pc.Record("copied_count", copied)
	pc.Logger.Info("rows copied", slog.Int64("copied", copied))

	if err := db.VacuumAnalyze(ctx, pc.ResourceID); err != nil {
		pc.Logger.Warn("vacuum analyze failed", slog.String("error", err.Error()))
	}
	return Continue()
}
