package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
	"datapusher/internal/datastore"
)

func metadataStage(store *fakeStore, mutate func(*config.PipelineConfig)) *MetadataStage {
	cfg := &config.Config{}
	cfg.Pipeline.AutoAlias = true
	cfg.Pipeline.AutoAliasUnique = true
	if mutate != nil {
		mutate(&cfg.Pipeline)
	}
	return &MetadataStage{
		cfg:    cfg,
		dial:   func(ctx context.Context) (datastore.Store, error) { return store, nil },
		logger: discardLogger(),
	}
}

func aliasContext() *ProcessingContext {
	pc := testContext()
	pc.Resource = &ckan.Resource{ID: "res-1", Name: "sales"}
	pc.Package = &ckan.Package{
		ID:           "pkg-1",
		Name:         "quarterly-report",
		Organization: &ckan.Organization{Name: "acme"},
	}
	return pc
}

func TestResolveAliasNoCollision(t *testing.T) {
	store := &fakeStore{}
	s := metadataStage(store, nil)
	pc := aliasContext()

	require.NoError(t, s.resolveAlias(context.Background(), pc))
	assert.Equal(t, "sales-quarterly-report-acme", pc.Alias)
	assert.Empty(t, store.droppedViews)
}

func TestResolveAliasMultipleHoldersGetSuffix(t *testing.T) {
	store := &fakeStore{aliasCounts: map[string]int{
		"sales-quarterly-report-acme": 2,
	}}
	s := metadataStage(store, nil)
	pc := aliasContext()

	require.NoError(t, s.resolveAlias(context.Background(), pc))
	assert.Equal(t, "sales-quarterly-report-acme-003", pc.Alias)
}

func TestResolveAliasSkipsTakenSuffixes(t *testing.T) {
	// Three holders, and the first candidate suffix is occupied too:
	// the search must keep walking until it finds a free name.
	store := &fakeStore{aliasCounts: map[string]int{
		"sales-quarterly-report-acme":     3,
		"sales-quarterly-report-acme-004": 1,
	}}
	s := metadataStage(store, nil)
	pc := aliasContext()

	require.NoError(t, s.resolveAlias(context.Background(), pc))
	assert.Equal(t, "sales-quarterly-report-acme-005", pc.Alias)
}

func TestResolveAliasSingleStaleHolderReplaced(t *testing.T) {
	store := &fakeStore{aliasCount: 1, aliasOf: "other-resource"}
	s := metadataStage(store, nil)
	pc := aliasContext()

	require.NoError(t, s.resolveAlias(context.Background(), pc))
	assert.Equal(t, "sales-quarterly-report-acme", pc.Alias)
	assert.Equal(t, []string{"sales-quarterly-report-acme"}, store.droppedViews)
}

func TestResolveAliasSameResourceKept(t *testing.T) {
	store := &fakeStore{aliasCount: 1, aliasOf: "res-1"}
	s := metadataStage(store, nil)
	pc := aliasContext()

	require.NoError(t, s.resolveAlias(context.Background(), pc))
	assert.Empty(t, store.droppedViews, "an alias already pointing at us is left alone")
}

func TestResolveAliasTruncated(t *testing.T) {
	store := &fakeStore{}
	s := metadataStage(store, nil)
	pc := aliasContext()
	pc.Resource.Name = "a-very-long-resource-name-from-a-spreadsheet-export"
	pc.Package.Name = "an-equally-long-package-name"

	require.NoError(t, s.resolveAlias(context.Background(), pc))
	assert.LessOrEqual(t, len(pc.Alias), aliasMaxLen)
	assert.NotEqual(t, "-", pc.Alias[len(pc.Alias)-1:], "no trailing dash after truncation")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 55))
	assert.Len(t, truncate("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 55), 55)
}
