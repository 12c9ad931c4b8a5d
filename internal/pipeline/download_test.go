package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
)

func downloadStage(t *testing.T, mutate func(*config.Config)) *DownloadStage {
	t.Helper()
	cfg := &config.Config{}
	cfg.Download.MaxContentLength = 5000000
	cfg.Download.ChunkSize = 1024
	cfg.Pipeline.AutoUnzipOneFile = true
	if mutate != nil {
		mutate(cfg)
	}
	return &DownloadStage{cfg: cfg, logger: discardLogger()}
}

// serveBody serves a fixed payload; chunked mode flushes the header
// first so no Content-Length is sent and the streaming cap is what
// gets exercised.
func serveBody(t *testing.T, body []byte, chunked bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chunked {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchExactlyAtCapSucceeds(t *testing.T) {
	srv := serveBody(t, bytes.Repeat([]byte("a"), 1000), false)
	s := downloadStage(t, func(cfg *config.Config) { cfg.Download.MaxContentLength = 1000 })
	s.http = srv.Client()
	pc := testContext()
	pc.TmpDir = t.TempDir()

	_, err := s.fetch(context.Background(), pc, srv.URL, false)
	require.NoError(t, err, "a file of exactly the cap is within the limit")
	assert.EqualValues(t, 1000, pc.DownloadedBytes)
	assert.False(t, pc.PartialDownload)
}

func TestFetchOverCapFails(t *testing.T) {
	srv := serveBody(t, bytes.Repeat([]byte("a"), 1001), true)
	s := downloadStage(t, func(cfg *config.Config) { cfg.Download.MaxContentLength = 1000 })
	s.http = srv.Client()
	pc := testContext()
	pc.TmpDir = t.TempDir()

	_, err := s.fetch(context.Background(), pc, srv.URL, false)
	assert.ErrorContains(t, err, "too large")
}

func TestFetchOverCapPartialWithPreview(t *testing.T) {
	srv := serveBody(t, bytes.Repeat([]byte("a"), 1001), true)
	s := downloadStage(t, func(cfg *config.Config) {
		cfg.Download.MaxContentLength = 1000
		cfg.Pipeline.PreviewRows = 10
	})
	s.http = srv.Client()
	pc := testContext()
	pc.TmpDir = t.TempDir()

	_, err := s.fetch(context.Background(), pc, srv.URL, false)
	require.NoError(t, err)
	assert.True(t, pc.PartialDownload, "a preview slice tolerates a capped download")
}

func TestResourceMetadataUpdated(t *testing.T) {
	recorded := "2026-08-20T10:00:00"

	older := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)

	// A remote file older than the recorded last_modified means the
	// record was edited after the upload.
	assert.True(t, resourceMetadataUpdated(older, recorded))
	assert.False(t, resourceMetadataUpdated(newer, recorded))
	assert.False(t, resourceMetadataUpdated(time.Time{}, recorded))
	assert.False(t, resourceMetadataUpdated(older, ""))
	assert.False(t, resourceMetadataUpdated(older, "not a timestamp"))
}

func TestShouldSkipUnchanged(t *testing.T) {
	s := downloadStage(t, nil)
	res := &ckan.Resource{Hash: "abc"}

	pc := testContext()
	pc.Hash = "abc"
	assert.True(t, s.shouldSkipUnchanged(pc, res, time.Time{}))

	pc.Force = true
	assert.False(t, s.shouldSkipUnchanged(pc, res, time.Time{}), "force bypasses the hash skip")

	pc.Force = false
	pc.Hash = "different"
	assert.False(t, s.shouldSkipUnchanged(pc, res, time.Time{}))

	pc.Hash = ""
	res.Hash = ""
	assert.False(t, s.shouldSkipUnchanged(pc, res, time.Time{}), "no recorded hash means first run")
}

func TestShouldSkipUnchangedIgnoreFileHashConfig(t *testing.T) {
	s := downloadStage(t, func(cfg *config.Config) { cfg.Pipeline.IgnoreFileHash = true })
	pc := testContext()
	pc.Hash = "abc"
	assert.False(t, s.shouldSkipUnchanged(pc, &ckan.Resource{Hash: "abc"}, time.Time{}))
}

func TestDetermineFormat(t *testing.T) {
	s := downloadStage(t, nil)

	format, err := s.determineFormat(&ckan.Resource{Format: "CSV"})
	require.NoError(t, err)
	assert.Equal(t, "csv", format)

	format, err = s.determineFormat(&ckan.Resource{Mimetype: "text/csv"})
	require.NoError(t, err)
	assert.Equal(t, "csv", format)

	_, err = s.determineFormat(&ckan.Resource{})
	assert.Error(t, err)

	_, err = s.determineFormat(&ckan.Resource{Format: "pdf"})
	assert.Error(t, err)
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestHandleZipSingleEntry(t *testing.T) {
	s := downloadStage(t, nil)
	pc := testContext()
	pc.TmpDir = t.TempDir()
	pc.WorkingFile = filepath.Join(pc.TmpDir, "download.zip")
	writeZip(t, pc.WorkingFile, map[string]string{"data.csv": "a,b\n1,2\n"})

	result := s.handleZip(pc)
	require.Equal(t, OutcomeContinue, result.Outcome)
	assert.Equal(t, "csv", pc.Format)

	data, err := os.ReadFile(pc.WorkingFile)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestHandleZipMultipleEntriesManifest(t *testing.T) {
	s := downloadStage(t, nil)
	pc := testContext()
	pc.TmpDir = t.TempDir()
	pc.WorkingFile = filepath.Join(pc.TmpDir, "download.zip")
	writeZip(t, pc.WorkingFile, map[string]string{
		"one.csv": "a\n1\n",
		"two.csv": "b\n2\n",
	})

	result := s.handleZip(pc)
	require.Equal(t, OutcomeContinue, result.Outcome)
	assert.Equal(t, "csv", pc.Format)

	data, err := os.ReadFile(pc.WorkingFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "filename,size,compressed_size,modified")
	assert.Contains(t, string(data), "one.csv")
	assert.Contains(t, string(data), "two.csv")
}

func TestHandleZipEmptyArchive(t *testing.T) {
	s := downloadStage(t, nil)
	pc := testContext()
	pc.TmpDir = t.TempDir()
	pc.WorkingFile = filepath.Join(pc.TmpDir, "download.zip")
	writeZip(t, pc.WorkingFile, nil)

	result := s.handleZip(pc)
	assert.Equal(t, OutcomeFail, result.Outcome)
}
