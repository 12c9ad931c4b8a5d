package jobs

import (
	"time"
)

// Status represents the lifecycle state of a push job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Input is the job invocation payload received from the catalog.
// The API key is excluded from serialization so stored and
// callback-delivered records never expose credentials.
type Input struct {
	ResourceID string `json:"resource_id" validate:"required"`
	CKANURL    string `json:"ckan_url" validate:"required,url"`
	IgnoreHash bool   `json:"ignore_hash"`
	ResultURL  string `json:"result_url" validate:"omitempty,url"`
	APIKey     string `json:"-"`
}

// Record is the persisted state of a job, keyed by task id.
type Record struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	Input       Input      `json:"input"`
	Error       string     `json:"error,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// LogLine is one leveled, timestamped message in a job's log.
type LogLine struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// MetadataEntry is an arbitrary key/value/type triple attached to a job.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// Store persists job records, logs, and metadata. The pipeline core
// only consumes this interface; durable implementations live with the
// deployment.
type Store interface {
	Create(rec *Record) error
	Get(taskID string) (*Record, error)
	Update(rec *Record) error
	AppendLog(taskID string, line LogLine) error
	Logs(taskID string) ([]LogLine, error)
	SetMetadata(taskID string, entry MetadataEntry) error
	Metadata(taskID string) ([]MetadataEntry, error)
}

// MarkRunning transitions a record to running.
func MarkRunning(s Store, taskID string) error {
	rec, err := s.Get(taskID)
	if err != nil {
		return err
	}
	rec.Status = StatusRunning
	return s.Update(rec)
}

// MarkComplete transitions a record to complete and stamps the finish time.
func MarkComplete(s Store, taskID string) error {
	return finish(s, taskID, StatusComplete, "")
}

// MarkErrored transitions a record to error with the given message.
func MarkErrored(s Store, taskID, message string) error {
	return finish(s, taskID, StatusError, message)
}

func finish(s Store, taskID string, status Status, message string) error {
	rec, err := s.Get(taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Error = message
	rec.FinishedAt = &now
	return s.Update(rec)
}
