package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"datapusher/internal/ckan"
	"datapusher/internal/config"
	"datapusher/internal/datastore"
	"datapusher/internal/jobs"
	"datapusher/internal/pii"
	"datapusher/internal/pipeline"
	"datapusher/internal/qsv"
)

// Runner executes one accepted job end to end: pipeline run, record
// transitions, metadata persistence, and the result callback.
type Runner struct {
	cfg        *config.Config
	store      jobs.Store
	runner     *qsv.Runner
	simplifier pipeline.Simplifier
	formula    pipeline.FormulaEngine
	metrics    *Metrics
	logger     *slog.Logger
	callback   *http.Client
}

func NewRunner(cfg *config.Config, store jobs.Store, runner *qsv.Runner,
	simplifier pipeline.Simplifier, formula pipeline.FormulaEngine,
	metrics *Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      store,
		runner:     runner,
		simplifier: simplifier,
		formula:    formula,
		metrics:    metrics,
		logger:     logger,
		callback:   &http.Client{Timeout: cfg.CKAN.Timeout},
	}
}

// Run processes one job record. It never returns an error; every
// outcome is written to the job store.
func (r *Runner) Run(ctx context.Context, rec *jobs.Record) {
	start := time.Now()
	r.metrics.ActiveJobs.Inc()
	defer r.metrics.ActiveJobs.Dec()
	defer func() {
		r.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	jobLogger := jobs.JobLogger(r.logger, r.store, rec.TaskID)

	if err := jobs.MarkRunning(r.store, rec.TaskID); err != nil {
		r.logger.Error("cannot mark job running",
			slog.String("task_id", rec.TaskID), slog.String("error", err.Error()))
		return
	}

	runErr := r.execute(ctx, rec, jobLogger)

	status := jobs.StatusComplete
	errMsg := ""
	if runErr != nil {
		status = jobs.StatusError
		errMsg = runErr.Error()
		jobLogger.Error("job failed", slog.String("error", errMsg))
		_ = jobs.MarkErrored(r.store, rec.TaskID, errMsg)
	} else {
		jobLogger.Info("job complete", slog.Duration("elapsed", time.Since(start)))
		_ = jobs.MarkComplete(r.store, rec.TaskID)
	}
	r.metrics.JobsTotal.WithLabelValues(string(status)).Inc()

	if rec.Input.ResultURL != "" {
		if err := r.postResult(ctx, rec, status, errMsg); err != nil {
			jobLogger.Error("failed to post results to callback URL",
				slog.String("error", err.Error()))
			_ = jobs.MarkErrored(r.store, rec.TaskID,
				fmt.Sprintf("processing finished (%s) but posting results failed: %v", status, err))
			r.metrics.JobsTotal.WithLabelValues("callback_failed").Inc()
		}
	}
}

// execute runs the pipeline inside a per-job temp dir.
func (r *Runner) execute(ctx context.Context, rec *jobs.Record, jobLogger *slog.Logger) error {
	tmpDir, err := os.MkdirTemp("", "datapusher-"+rec.TaskID)
	if err != nil {
		return fmt.Errorf("create job temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	token := rec.Input.APIKey
	if token == "" {
		token = r.cfg.CKAN.APIToken
	}
	client := ckan.New(rec.Input.CKANURL, token, r.cfg.CKAN.Timeout, r.cfg.CKAN.SSLVerify, jobLogger)

	dial := func(ctx context.Context) (datastore.Store, error) {
		return datastore.Connect(ctx, r.cfg.Datastore.WriteURL, jobLogger)
	}

	deps := pipeline.Dependencies{
		Config:     r.cfg,
		CKAN:       client,
		QSV:        r.runner,
		Datastore:  dial,
		PII:        pii.NewScreener(r.cfg.PII, r.runner, r.regexFetcher(client), jobLogger),
		Simplifier: r.simplifier,
		Formula:    r.formula,
		Logger:     jobLogger,
	}

	pc := &pipeline.ProcessingContext{
		TaskID:     rec.TaskID,
		Logger:     jobLogger,
		TmpDir:     tmpDir,
		ResourceID: rec.Input.ResourceID,
		Force:      rec.Input.IgnoreHash,
	}

	runErr := pipeline.New(deps).Run(ctx, pc)

	// Dataset statistics are persisted win or lose; partial stats are
	// still useful for diagnosing a failed run.
	for _, entry := range pc.Metadata() {
		if err := r.store.SetMetadata(rec.TaskID, entry); err != nil {
			jobLogger.Warn("cannot persist job metadata",
				slog.String("key", entry.Key), slog.String("error", err.Error()))
		}
	}
	return runErr
}

// regexFetcher downloads the configured PII pattern resource through
// the job's catalog client.
func (r *Runner) regexFetcher(client *ckan.Client) pii.RegexFetcher {
	return func(ctx context.Context, resourceIDOrAlias, destDir string) (string, error) {
		res, err := client.GetResource(ctx, resourceIDOrAlias)
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
		if err != nil {
			return "", err
		}
		if res.URLType == "upload" {
			req.Header.Set("Authorization", client.Token())
		}
		resp, err := r.callback.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("pattern resource fetch returned status %d", resp.StatusCode)
		}

		dest := filepath.Join(destDir, "pii_patterns.regex")
		out, err := os.Create(dest)
		if err != nil {
			return "", err
		}
		defer out.Close()
		if _, err := io.Copy(out, resp.Body); err != nil {
			return "", err
		}
		return dest, nil
	}
}

// resultPayload is what gets posted back to the caller. The API key
// never appears here.
type resultPayload struct {
	TaskID   string               `json:"task_id"`
	Status   jobs.Status          `json:"status"`
	Error    string               `json:"error,omitempty"`
	Metadata []jobs.MetadataEntry `json:"metadata,omitempty"`
	Logs     []jobs.LogLine       `json:"logs,omitempty"`
}

func (r *Runner) postResult(ctx context.Context, rec *jobs.Record, status jobs.Status, errMsg string) error {
	metadata, _ := r.store.Metadata(rec.TaskID)
	logs, _ := r.store.Logs(rec.TaskID)

	body, err := json.Marshal(resultPayload{
		TaskID:   rec.TaskID,
		Status:   status,
		Error:    errMsg,
		Metadata: metadata,
		Logs:     logs,
	})
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Input.ResultURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if rec.Input.APIKey != "" {
		req.Header.Set("Authorization", rec.Input.APIKey)
	}

	resp, err := r.callback.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
