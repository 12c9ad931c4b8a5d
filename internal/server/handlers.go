package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"datapusher/internal/jobs"
)

var validate = validator.New()

// jobRequest is the submission payload. The API key is accepted here
// but copied into the non-serializable field of the stored input.
type jobRequest struct {
	ResourceID string `json:"resource_id" validate:"required"`
	CKANURL    string `json:"ckan_url" validate:"required,url"`
	IgnoreHash bool   `json:"ignore_hash"`
	ResultURL  string `json:"result_url" validate:"omitempty,url"`
	APIKey     string `json:"api_key"`
}

type jobAccepted struct {
	TaskID string      `json:"task_id"`
	Status jobs.Status `json:"status"`
}

type jobStatus struct {
	*jobs.Record
	Logs     []jobs.LogLine       `json:"logs"`
	Metadata []jobs.MetadataEntry `json:"metadata,omitempty"`
}

type errResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResponse{Error: "invalid JSON payload"})
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResponse{Error: err.Error()})
		return
	}

	rec := &jobs.Record{
		TaskID: uuid.NewString(),
		Status: jobs.StatusPending,
		Input: jobs.Input{
			ResourceID: req.ResourceID,
			CKANURL:    req.CKANURL,
			IgnoreHash: req.IgnoreHash,
			ResultURL:  req.ResultURL,
			APIKey:     req.APIKey,
		},
		RequestedAt: time.Now().UTC(),
	}
	if err := s.store.Create(rec); err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errResponse{Error: "cannot create job record"})
		return
	}

	if !s.enqueue(rec) {
		_ = jobs.MarkErrored(s.store, rec.TaskID, "job queue full")
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, errResponse{Error: "job queue full, retry later"})
		return
	}

	s.logger.Info("job accepted",
		slog.String("task_id", rec.TaskID),
		slog.String("resource_id", req.ResourceID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, jobAccepted{TaskID: rec.TaskID, Status: rec.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	rec, err := s.store.Get(taskID)
	if err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errResponse{Error: "job not found"})
		return
	}
	logs, _ := s.store.Logs(taskID)
	if logs == nil {
		logs = []jobs.LogLine{}
	}
	metadata, _ := s.store.Metadata(taskID)

	render.JSON(w, r, jobStatus{Record: rec, Logs: logs, Metadata: metadata})
}
