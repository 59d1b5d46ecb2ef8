// Package alert delivers operator notifications about refresh and chain outcomes.
//
// Transport is out of scope: sinks write to the structured log or to a JSONL
// file that an external shipper forwards.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Severity ranks an event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is one notification.
type Event struct {
	Severity Severity  `json:"severity"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Target   string    `json:"target,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	At       time.Time `json:"at"`
}

// Sink receives events. Emit must not block for long; delivery failures are
// returned so callers can log them, never retried here.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// LogSink writes events to a structured logger at a level matching severity.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	logger.Log(ctx, level, e.Subject,
		"event", "alert",
		"severity", string(e.Severity),
		"target", e.Target,
		"run_id", e.RunID,
		"body", e.Body,
	)
	return nil
}

// JSONLSink appends one JSON object per event to a file.
//
// Thread-safety: JSONLSink is safe for concurrent use via internal mutex.
type JSONLSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewJSONLSink creates or opens path for appending; the directory is created if missing.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if path == "" {
		return nil, errors.New("alert sink: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create alert directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open alert file: %w", err)
	}
	return &JSONLSink{path: path, f: f}, nil
}

func (s *JSONLSink) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("alert sink closed")
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
