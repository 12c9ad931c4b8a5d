package jobs

import (
	"fmt"
	"sync"
)

// MemoryStore is an in-memory implementation of Store, used for tests
// and single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	logs     map[string][]LogLine
	metadata map[string][]MetadataEntry
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		logs:     make(map[string][]LogLine),
		metadata: make(map[string][]MetadataEntry),
	}
}

// Create adds a new job record. Creating an existing task id is an error.
func (s *MemoryStore) Create(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.TaskID]; exists {
		return fmt.Errorf("job %s already exists", rec.TaskID)
	}

	recCopy := *rec
	s.records[rec.TaskID] = &recCopy
	return nil
}

// Get retrieves a job record by task id.
func (s *MemoryStore) Get(taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[taskID]
	if !exists {
		return nil, fmt.Errorf("job %s not found", taskID)
	}

	// Return a copy to prevent external modification.
	recCopy := *rec
	return &recCopy, nil
}

// Update replaces an existing job record.
func (s *MemoryStore) Update(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.TaskID]; !exists {
		return fmt.Errorf("job %s not found", rec.TaskID)
	}

	recCopy := *rec
	s.records[rec.TaskID] = &recCopy
	return nil
}

// AppendLog adds a log line to a job's log.
func (s *MemoryStore) AppendLog(taskID string, line LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[taskID] = append(s.logs[taskID], line)
	return nil
}

// Logs returns all log lines for a job.
func (s *MemoryStore) Logs(taskID string) ([]LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := make([]LogLine, len(s.logs[taskID]))
	copy(lines, s.logs[taskID])
	return lines, nil
}

// SetMetadata attaches a key/value/type triple to a job.
func (s *MemoryStore) SetMetadata(taskID string, entry MetadataEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[taskID] = append(s.metadata[taskID], entry)
	return nil
}

// Metadata returns all metadata entries for a job.
func (s *MemoryStore) Metadata(taskID string) ([]MetadataEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]MetadataEntry, len(s.metadata[taskID]))
	copy(entries, s.metadata[taskID])
	return entries, nil
}
