package pipeline

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
)

// supportedFormats are the file formats the converter stage can turn
// into a normalized CSV.
var supportedFormats = map[string]bool{
	"csv": true, "tsv": true, "tab": true, "ssv": true,
	"xlsx": true, "xls": true, "xlsm": true, "xlsb": true, "ods": true,
	"geojson": true, "shp": true, "qgis": true,
	"zip": true,
}

// DownloadStage fetches the resource file, hashing it as it streams to
// disk, and decides whether processing is needed at all.
type DownloadStage struct {
	cfg    *config.Config
	client *ckan.Client
	http   *http.Client
	logger *slog.Logger
}

func NewDownloadStage(deps Dependencies) *DownloadStage {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy := deps.Config.Download.Proxy; proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	if !deps.Config.CKAN.SSLVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
	return &DownloadStage{
		cfg:    deps.Config,
		client: deps.CKAN,
		http: &http.Client{
			Timeout:   deps.Config.Download.Timeout,
			Transport: transport,
		},
		logger: deps.Logger,
	}
}

func (s *DownloadStage) Name() string { return "download" }

func (s *DownloadStage) Process(ctx context.Context, pc *ProcessingContext) StageResult {
	res, err := s.client.GetResource(ctx, pc.ResourceID)
	if err != nil {
		return Failf("fetch resource %s: %w", pc.ResourceID, err)
	}
	if res.URLType == "datastore" {
		return Skip("dump files are managed with the datastore API")
	}
	pkg, err := s.client.GetPackage(ctx, res.PackageID)
	if err != nil {
		return Failf("fetch package %s: %w", res.PackageID, err)
	}
	pc.Resource = res
	pc.Package = pkg

	if res.URL == "" {
		return Failf("resource %s has no URL", res.ID)
	}
	if err := validateURLScheme(res.URL); err != nil {
		return Fail(err)
	}

	fetchURL, authenticated, err := s.fetchURL(res)
	if err != nil {
		return Fail(err)
	}
	pc.Logger.Info("fetching resource file", slog.String("url", res.URL))

	remoteLastModified, err := s.fetch(ctx, pc, fetchURL, authenticated)
	if err != nil {
		return Fail(err)
	}

	if s.shouldSkipUnchanged(pc, res, remoteLastModified) {
		return Skip("upload skipped as the file hash hasn't changed")
	}

	format, err := s.determineFormat(res)
	if err != nil {
		return Fail(err)
	}
	pc.Format = format

	if format == "zip" {
		if result := s.handleZip(pc); result.Outcome != OutcomeContinue {
			return result
		}
	}

	pc.Record("original_hash", pc.Hash)
	pc.Record("download_bytes", pc.DownloadedBytes)
	return Continue()
}

func validateURLScheme(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid resource URL %q: %w", rawURL, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "ftp":
		return nil
	}
	return fmt.Errorf("only http, https, and ftp resources may be fetched, got scheme %q", parsed.Scheme)
}

// fetchURL resolves where to download from. Uploaded files live on the
// catalog host regardless of the recorded URL, and need the API token.
func (s *DownloadStage) fetchURL(res *ckan.Resource) (string, bool, error) {
	if res.URLType != "upload" {
		return res.URL, false, nil
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		return "", false, fmt.Errorf("invalid resource URL %q: %w", res.URL, err)
	}
	base, err := url.Parse(s.client.BaseURL())
	if err != nil {
		return "", false, fmt.Errorf("invalid catalog URL: %w", err)
	}
	parsed.Scheme = base.Scheme
	parsed.Host = base.Host
	return parsed.String(), true, nil
}

// fetch streams the file to the job's temp dir, hashing as it copies
// and honoring the content-length cap. Returns the remote
// Last-Modified time when the server sent one.
func (s *DownloadStage) fetch(ctx context.Context, pc *ProcessingContext, fetchURL string, authenticated bool) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build download request: %w", err)
	}
	if authenticated {
		req.Header.Set("Authorization", s.client.Token())
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	maxLen := s.cfg.Download.MaxContentLength
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if length, convErr := strconv.ParseInt(cl, 10, 64); convErr == nil && length > maxLen && s.cfg.Pipeline.PreviewRows == 0 {
			return time.Time{}, fmt.Errorf("resource too large to process: %d > max %d", length, maxLen)
		}
	}

	dest := filepath.Join(pc.TmpDir, "download.dat")
	out, err := os.Create(dest)
	if err != nil {
		return time.Time{}, fmt.Errorf("create download file: %w", err)
	}
	defer out.Close()

	hasher := md5.New()
	// Read one byte past the cap so a file of exactly maxLen bytes is
	// distinguishable from one that overflows it.
	written, err := io.CopyBuffer(io.MultiWriter(out, hasher),
		io.LimitReader(resp.Body, maxLen+1), make([]byte, s.cfg.Download.ChunkSize))
	if err != nil {
		return time.Time{}, fmt.Errorf("stream download: %w", err)
	}
	if written > maxLen {
		// More bytes may remain. Tolerated only when a preview slice
		// bounds what we copy to the datastore anyway.
		if s.cfg.Pipeline.PreviewRows == 0 {
			return time.Time{}, fmt.Errorf("resource too large to process: exceeds max %d bytes", maxLen)
		}
		pc.PartialDownload = true
		pc.Logger.Warn("partial download, content exceeds cap",
			slog.Int64("max_content_length", maxLen))
	}

	pc.WorkingFile = dest
	pc.DownloadedBytes = written
	pc.Hash = hex.EncodeToString(hasher.Sum(nil))

	var remoteLastModified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, parseErr := http.ParseTime(lm); parseErr == nil {
			remoteLastModified = t
		}
	}
	return remoteLastModified, nil
}

// shouldSkipUnchanged applies the dedup-by-hash rule: same content,
// no force flag, and no newer resource metadata means nothing to do.
func (s *DownloadStage) shouldSkipUnchanged(pc *ProcessingContext, res *ckan.Resource, remoteLastModified time.Time) bool {
	if pc.Hash != res.Hash || res.Hash == "" {
		return false
	}
	if pc.Force || s.cfg.Pipeline.IgnoreFileHash {
		return false
	}
	return !resourceMetadataUpdated(remoteLastModified, res.LastModified)
}

// resourceMetadataUpdated reports whether the catalog's resource
// record changed after the file itself last did. A remote file older
// than the recorded last_modified means the metadata was edited since,
// which forces a re-run even on an unchanged hash.
func resourceMetadataUpdated(remoteLastModified time.Time, recorded string) bool {
	if remoteLastModified.IsZero() || recorded == "" {
		return false
	}
	recordedTime, err := parseCatalogTime(recorded)
	if err != nil {
		return false
	}
	return remoteLastModified.Before(recordedTime)
}

func parseCatalogTime(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05.999999", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// determineFormat resolves the working format from the resource's
// declared format, falling back to a MIME-type extension guess.
func (s *DownloadStage) determineFormat(res *ckan.Resource) (string, error) {
	format := strings.ToLower(strings.TrimSpace(res.Format))
	if format == "" && res.Mimetype != "" {
		if exts, err := mime.ExtensionsByType(res.Mimetype); err == nil && len(exts) > 0 {
			format = strings.TrimPrefix(exts[0], ".")
		}
	}
	if format == "" {
		return "", fmt.Errorf("cannot determine format of resource %s", res.ID)
	}
	if !supportedFormats[format] {
		return "", fmt.Errorf("unsupported format %q", format)
	}
	return format, nil
}

// handleZip unpacks a single-entry archive, or writes an entry
// manifest CSV when the archive holds several files.
func (s *DownloadStage) handleZip(pc *ProcessingContext) StageResult {
	reader, err := zip.OpenReader(pc.WorkingFile)
	if err != nil {
		return Failf("open zip archive: %w", err)
	}
	defer reader.Close()

	var entries []*zip.File
	for _, f := range reader.File {
		if !f.FileInfo().IsDir() {
			entries = append(entries, f)
		}
	}
	if len(entries) == 0 {
		return Failf("zip archive has no files")
	}

	if len(entries) == 1 && s.cfg.Pipeline.AutoUnzipOneFile {
		entry := entries[0]
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name)), ".")
		if supportedFormats[ext] && ext != "zip" {
			dest := filepath.Join(pc.TmpDir, "unzipped."+ext)
			if err := extractZipEntry(entry, dest); err != nil {
				return Failf("extract %s: %w", entry.Name, err)
			}
			pc.Logger.Info("unzipped single-file archive",
				slog.String("entry", entry.Name), slog.String("format", ext))
			pc.WorkingFile = dest
			pc.Format = ext
			return Continue()
		}
	}

	// Several entries (or an entry we cannot process): ingest a
	// manifest of the archive's contents instead.
	dest := filepath.Join(pc.TmpDir, "zip_manifest.csv")
	if err := writeZipManifest(entries, dest); err != nil {
		return Failf("write zip manifest: %w", err)
	}
	pc.Logger.Info("archive has multiple entries, ingesting manifest",
		slog.Int("entries", len(entries)))
	pc.WorkingFile = dest
	pc.Format = "csv"
	return Continue()
}

func extractZipEntry(entry *zip.File, dest string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func writeZipManifest(entries []*zip.File, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write([]string{"filename", "size", "compressed_size", "modified"}); err != nil {
		return err
	}
	for _, entry := range entries {
		record := []string{
			entry.Name,
			strconv.FormatUint(entry.UncompressedSize64, 10),
			strconv.FormatUint(entry.CompressedSize64, 10),
			entry.Modified.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
