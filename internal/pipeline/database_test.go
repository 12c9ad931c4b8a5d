package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
	"datapusher/internal/datastore"
)

func TestDatabaseStageLoadsInOneCall(t *testing.T) {
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actions = append(actions, r.URL.Path)
		fmt.Fprint(w, `{"success":true,"result":{}}`)
	}))
	defer srv.Close()

	store := &fakeStore{copied: 2}
	cfg := &config.Config{}
	cfg.Datastore.CopyBufferSize = 4096
	s := &DatabaseStage{
		cfg:    cfg,
		client: ckan.New(srv.URL, "token", time.Minute, true, discardLogger()),
		dial:   func(ctx context.Context) (datastore.Store, error) { return store, nil },
		logger: discardLogger(),
	}

	pc := testContext()
	pc.TmpDir = t.TempDir()
	pc.WorkingFile = writeTemp(t, "data.csv", "a,b\n1,2\n3,4\n")
	pc.HadDatastore = true
	pc.Fields = []ckan.Field{{ID: "a", Type: "int4"}, {ID: "b", Type: "int4"}}

	result := s.Process(context.Background(), pc)
	require.Equal(t, OutcomeContinue, result.Outcome, result.Err)

	assert.Contains(t, actions, "/api/3/action/datastore_delete")
	assert.Contains(t, actions, "/api/3/action/datastore_create")

	// The truncate-and-load is a single store call so both run in one
	// transaction, which FREEZE requires.
	require.Len(t, store.copies, 1)
	assert.Equal(t, "res-1", store.copies[0].table)
	assert.Equal(t, []string{"a", "b"}, store.copies[0].columns)
	assert.True(t, store.copies[0].freeze)
	assert.EqualValues(t, 2, pc.CopiedCount)
	assert.Equal(t, 1, store.vacuumed)
}
