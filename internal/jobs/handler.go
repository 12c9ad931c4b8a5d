package jobs

import (
	"context"
	"log/slog"
)

// StoreHandler is a slog.Handler that tees records into a job's log
// side-table so runs are auditable after the fact. It is attached to
// the per-job logger alongside the process-wide handler.
type StoreHandler struct {
	store  Store
	taskID string
	level  slog.Level
	attrs  []slog.Attr
}

// NewStoreHandler creates a handler that appends log lines for taskID.
func NewStoreHandler(store Store, taskID string, level slog.Level) *StoreHandler {
	return &StoreHandler{store: store, taskID: taskID, level: level}
}

// Enabled reports whether the handler records at the given level.
func (h *StoreHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle appends the record to the job log. Store failures are dropped;
// logging must never fail the pipeline.
func (h *StoreHandler) Handle(_ context.Context, r slog.Record) error {
	_ = h.store.AppendLog(h.taskID, LogLine{
		At:      r.Time.UTC(),
		Level:   r.Level.String(),
		Message: r.Message,
	})
	return nil
}

// WithAttrs returns a handler with additional attributes.
func (h *StoreHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup returns the handler unchanged; job logs are flat.
func (h *StoreHandler) WithGroup(string) slog.Handler {
	return h
}

// multiHandler fans a record out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

// TeeHandler combines handlers so per-job records reach both the
// process log and the job store.
func TeeHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// JobLogger builds a logger whose output is stored with the job and
// mirrored to the parent logger.
func JobLogger(parent *slog.Logger, store Store, taskID string) *slog.Logger {
	stored := NewStoreHandler(store, taskID, slog.LevelDebug)
	return slog.New(TeeHandler(parent.Handler(), stored)).With(
		slog.String("task_id", taskID))
}
