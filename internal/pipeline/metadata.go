package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
	"datapusher/internal/qsv"
)

// aliasMaxLen bounds the generated alias so the datastore's view name
// plus any uniquing suffix stays inside Postgres identifier limits.
const aliasMaxLen = 55

// MetadataStage finalizes the catalog's view of the load: the readable
// alias, the optional summary-statistics resource, and the resource
// record itself.
type MetadataStage struct {
	cfg    *config.Config
	client *ckan.Client
	runner *qsv.Runner
	dial   DatastoreDial
	logger *slog.Logger
}

func NewMetadataStage(deps Dependencies) *MetadataStage {
	return &MetadataStage{
		cfg:    deps.Config,
		client: deps.CKAN,
		runner: deps.QSV,
		dial:   deps.Datastore,
		logger: deps.Logger,
	}
}

func (s *MetadataStage) Name() string { return "metadata" }

func (s *MetadataStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	if s.cfg.Pipeline.AutoAlias {
		if err := s.resolveAlias(ctx, pc); err != nil {
			return Fail(err)
		}
	}

	if s.cfg.Pipeline.AddSummaryStatsResource &&
		(!pc.PreviewMode() || s.cfg.Pipeline.SummaryStatsWithPreview) {
		if err := s.publishSummaryStats(ctx, pc); err != nil {
			// The main load already succeeded; a stats side table is
			// not worth failing the job over.
			pc.Logger.Warn("summary statistics resource failed",
				slog.String("error", err.Error()))
		}
	}

	if err := s.updateResource(ctx, pc); err != nil {
		return Fail(err)
	}

	var aliases []string
	if pc.Alias != "" {
		aliases = append(aliases, pc.Alias)
	}
	_, err := s.client.DatastoreCreate(ctx, ckan.DatastoreCreateRequest{
		ResourceID:           pc.ResourceID,
		Fields:               pc.Fields,
		Aliases:              aliases,
		CalculateRecordCount: true,
	})
	if err != nil {
		return Failf("final datastore registration: %w", err)
	}
	return Continue()
}

// resolveAlias derives the {resource}-{package}-{organization} alias
// and settles collisions: several prior holders get a numeric suffix,
// a single stale holder gets replaced.
func (s *MetadataStage) resolveAlias(ctx context.Context, pc *ProcessingContext) error {
	orgName := ""
	if pc.Package.Organization != nil {
		orgName = pc.Package.Organization.Name
	}
	base := fmt.Sprintf("%s-%s-%s", pc.Resource.Name, pc.Package.Name, orgName)
	base = strings.TrimSuffix(truncate(base, aliasMaxLen), "-")

	db, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	count, aliasOf, err := db.CountAliases(ctx, base)
	if err != nil {
		return err
	}

	alias := base
	switch {
	case count > 1 && s.cfg.Pipeline.AutoAliasUnique:
		// Holders may already occupy some suffixes, so walk forward
		// until one is actually free.
		for next := count + 1; ; next++ {
			candidate := fmt.Sprintf("%s-%03d", base, next)
			taken, _, err := db.CountAliases(ctx, candidate)
			if err != nil {
				return err
			}
			if taken == 0 {
				alias = candidate
				break
			}
		}
	case count == 1 && aliasOf != pc.ResourceID:
		pc.Logger.Info("replacing stale alias", slog.String("alias", base))
		if err := db.DropView(ctx, base); err != nil {
			return err
		}
	}

	pc.Alias = alias
	pc.Record("alias", alias)
	pc.Logger.Info("datastore alias resolved", slog.String("alias", alias))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// publishSummaryStats loads the analysis stage's stats CSV into its
// own datastore table, replacing any prior one, aliased {alias}-stats.
func (s *MetadataStage) publishSummaryStats(ctx context.Context, pc *ProcessingContext) error {
	if pc.StatsFile == "" {
		return fmt.Errorf("no statistics file recorded")
	}

	fields, err := s.statsSchema(ctx, pc.StatsFile)
	if err != nil {
		return err
	}

	statsName := pc.Resource.Name + "-stats"
	req := ckan.DatastoreCreateRequest{Fields: fields}
	if pc.Alias != "" {
		req.Aliases = []string{pc.Alias + "-stats"}
	}

	// Reuse the prior stats resource when one exists so its id, and
	// anything pointing at it, stays stable.
	if priorID, exists, err := s.client.ResourceExists(ctx, pc.Package.ID, statsName); err == nil && exists {
		_ = s.client.DeleteDatastoreTable(ctx, priorID)
		req.ResourceID = priorID
	} else {
		req.Resource = &ckan.Resource{
			PackageID:         pc.Package.ID,
			Name:              statsName,
			Format:            "CSV",
			SummaryStatistics: true,
			SummaryOfResource: pc.ResourceID,
		}
	}

	statsResourceID, err := s.client.DatastoreCreate(ctx, req)
	if err != nil {
		return fmt.Errorf("create summary stats table: %w", err)
	}

	db, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	file, err := os.Open(pc.StatsFile)
	if err != nil {
		return err
	}
	defer file.Close()

	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.ID
	}
	reader := bufio.NewReaderSize(file, s.cfg.Datastore.CopyBufferSize)
	if _, err := db.CopyCSV(ctx, statsResourceID, columns, reader, true); err != nil {
		return fmt.Errorf("copy summary stats: %w", err)
	}
	pc.Logger.Info("summary statistics resource published",
		slog.String("name", statsName))
	return nil
}

// statsSchema derives the stats file's own schema by running type
// inference over it.
func (s *MetadataStage) statsSchema(ctx context.Context, statsFile string) ([]ckan.Field, error) {
	out, err := s.runner.StatsTypesOnly(ctx, statsFile)
	if err != nil {
		return nil, fmt.Errorf("infer stats file schema: %w", err)
	}

	mapping := s.cfg.Pipeline.TypeMappingOrDefault()
	var fields []ckan.Field
	for i, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), ",", 2)
		if len(parts) != 2 || (i == 0 && parts[0] == "field") {
			continue
		}
		t := mapType(parts[1], mapping)
		if t == "smartint" {
			t = "bigint"
		}
		fields = append(fields, ckan.Field{ID: parts[0], Type: t})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("stats file schema came back empty")
	}
	return fields, nil
}

// updateResource writes the load outcome back onto the resource
// record. The stored hash is what lets the next run skip an unchanged
// file.
func (s *MetadataStage) updateResource(ctx context.Context, pc *ProcessingContext) error {
	res := pc.Resource
	res.Hash = pc.Hash
	res.DatastoreActive = true
	res.TotalRecordCount = pc.RecordCount
	res.Preview = pc.PreviewMode()
	res.PreviewRows = pc.RowsToCopy
	res.PartialDownload = pc.PartialDownload

	if err := s.client.UpdateResource(ctx, res); err != nil {
		return fmt.Errorf("update resource record: %w", err)
	}
	return nil
}
