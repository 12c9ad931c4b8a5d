package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"my_table"`, quoteIdent("my_table"))
	assert.Equal(t, `"with""quote"`, quoteIdent(`with"quote`))
}

func TestCopySQL(t *testing.T) {
	sql := copySQL("abc-123", []string{"id", "full name"}, true)
	assert.Equal(t,
		`COPY "abc-123" ("id", "full name") FROM STDIN WITH (FORMAT CSV, FREEZE TRUE, HEADER TRUE, ENCODING 'UTF8')`,
		sql)

	sql = copySQL("abc-123", []string{"id"}, false)
	assert.Contains(t, sql, "FREEZE FALSE")
}

func TestIndexSQL(t *testing.T) {
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS "res1_year_idx" ON "res1" ("year")`,
		indexSQL("res1", "year", false))
	assert.Equal(t,
		`CREATE UNIQUE INDEX IF NOT EXISTS "res1_id_uniq_idx" ON "res1" ("id")`,
		indexSQL("res1", "id", true))
}

func TestIndexNameTruncated(t *testing.T) {
	table := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 36-char resource id
	column := "a_really_long_column_name_from_a_spreadsheet_header"
	name := indexName(table, column, false)
	assert.LessOrEqual(t, len(name), 63)
}
