// Package datastore performs the direct-to-database operations the
// ingestion pipeline needs: bulk CSV loads, vacuum/analyze, index
// creation, and alias (view) management against the datastore's
// Postgres instance.
package datastore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Store is the database surface the pipeline stages depend on.
type Store interface {
	// CopyCSV truncates the table and streams a headered CSV into it
	// within one transaction, returning the number of rows loaded.
	// The single transaction is what makes FREEZE legal.
	CopyCSV(ctx context.Context, table string, columns []string, r io.Reader, freeze bool) (int64, error)
	// VacuumAnalyze refreshes planner statistics after a bulk load.
	VacuumAnalyze(ctx context.Context, table string) error
	// CreateIndex builds a btree index on one column, unique when
	// requested.
	CreateIndex(ctx context.Context, table, column string, unique bool) error
	// CountAliases reports how many aliases share a prefix and, when
	// exactly one exists, which resource it currently points at.
	CountAliases(ctx context.Context, prefix string) (count int, aliasOf string, err error)
	// DropView removes an existing alias view.
	DropView(ctx context.Context, alias string) error
	Close(ctx context.Context) error
}

// PG is the pgx-backed Store.
type PG struct {
	conn   *pgx.Conn
	logger *slog.Logger
}

// Connect opens a single connection for the duration of one job.
// Bulk-load sessions are short lived, so a pool is not warranted.
func Connect(ctx context.Context, writeURL string, logger *slog.Logger) (*PG, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := pgx.Connect(ctx, writeURL)
	if err != nil {
		return nil, fmt.Errorf("connect to datastore: %w", err)
	}
	return &PG{conn: conn, logger: logger.With(slog.String("component", "datastore"))}, nil
}

func (p *PG) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}

func (p *PG) CopyCSV(ctx context.Context, table string, columns []string, r io.Reader, freeze bool) (int64, error) {
	// Postgres only accepts COPY FREEZE when the table was created or
	// truncated in the current (sub)transaction, so the TRUNCATE and
	// the COPY must share one.
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin copy transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteIdent(table))); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", table, err)
	}
	tag, err := p.conn.PgConn().CopyFrom(ctx, r, copySQL(table, columns, freeze))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit copy transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PG) VacuumAnalyze(ctx context.Context, table string) error {
	sql := fmt.Sprintf("VACUUM ANALYZE %s", quoteIdent(table))
	if _, err := p.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("vacuum analyze %s: %w", table, err)
	}
	return nil
}

func (p *PG) CreateIndex(ctx context.Context, table, column string, unique bool) error {
	sql := indexSQL(table, column, unique)
	if _, err := p.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create index on %s(%s): %w", table, column, err)
	}
	return nil
}

// CountAliases queries the datastore's alias registry view. The view
// maps alias names to the resource table each one points at.
func (p *PG) CountAliases(ctx context.Context, prefix string) (int, string, error) {
	const sql = `SELECT COUNT(*), COALESCE(MAX(alias_of), '')
		FROM _table_metadata
		WHERE name LIKE $1 AND alias_of IS NOT NULL`
	var count int
	var aliasOf string
	if err := p.conn.QueryRow(ctx, sql, prefix+"%").Scan(&count, &aliasOf); err != nil {
		return 0, "", fmt.Errorf("count aliases for %q: %w", prefix, err)
	}
	return count, aliasOf, nil
}

func (p *PG) DropView(ctx context.Context, alias string) error {
	sql := fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(alias))
	if _, err := p.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("drop view %s: %w", alias, err)
	}
	return nil
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func copySQL(table string, columns []string, freeze bool) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}
	freezeOpt := "FALSE"
	if freeze {
		freezeOpt = "TRUE"
	}
	return fmt.Sprintf(
		"COPY %s (%s) FROM STDIN WITH (FORMAT CSV, FREEZE %s, HEADER TRUE, ENCODING 'UTF8')",
		quoteIdent(table), strings.Join(quoted, ", "), freezeOpt,
	)
}

func indexSQL(table, column string, unique bool) string {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
		kind, quoteIdent(indexName(table, column, unique)), quoteIdent(table), quoteIdent(column))
}

// indexName keeps generated index names under Postgres's 63-byte
// identifier limit.
func indexName(table, column string, unique bool) string {
	suffix := "_idx"
	if unique {
		suffix = "_uniq_idx"
	}
	name := table + "_" + column + suffix
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
