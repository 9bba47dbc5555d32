// Package errors defines the error taxonomy of the render factory.
//
// Errors fall into four classes: skip-worthy conditions (the tracked document is
// absent from a commit), recoverable conditions that degrade to a fallback
// (history ordering queries), renderer contract violations (turned into a
// diagnostic artifact by the pipeline), and fatal environment failures. Only the
// last class is represented as an error value that stops the factory; it is
// always a *FatalError so the top-level command can tell it apart and shut down
// cleanly.
package errors

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	ErrorSeverityInfo ErrorSeverity = iota
	ErrorSeverityWarning
	ErrorSeverityError
	ErrorSeverityFatal
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case ErrorSeverityInfo:
		return "info"
	case ErrorSeverityWarning:
		return "warning"
	case ErrorSeverityError:
		return "error"
	case ErrorSeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel causes for startup prerequisite failures.
var (
	ErrDocumentMissing = errors.New("tracked document not found")
	ErrNotInRepository = errors.New("tracked document is not inside a git repository")
	ErrRendererMissing = errors.New("renderer executable not found")
	ErrGitMissing      = errors.New("git executable not found")
)

// FatalError is an environment or tooling failure that the factory cannot
// continue past.
type FatalError struct {
	Op     string
	Commit string
	Err    error
}

// Fatal wraps err as a fatal failure of op. commit may be empty.
func Fatal(op, commit string, err error) *FatalError {
	return &FatalError{Op: op, Commit: commit, Err: err}
}

// Error implements the error interface
func (e *FatalError) Error() string {
	if e.Commit != "" {
		return fmt.Sprintf("fatal: %s (commit %s): %v", e.Op, ShortHash(e.Commit), e.Err)
	}
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Severity is always ErrorSeverityFatal.
func (e *FatalError) Severity() ErrorSeverity {
	return ErrorSeverityFatal
}

// IsFatal reports whether err, or any error it wraps, is a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ShortHash abbreviates a commit hash for log output.
func ShortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

// Warning is a non-fatal condition recorded while processing a commit.
type Warning struct {
	Commit    string        `json:"commit,omitempty"`
	Op        string        `json:"op"`
	Message   string        `json:"message"`
	Severity  ErrorSeverity `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

// Error implements the error interface
func (w *Warning) Error() string {
	if w.Commit != "" {
		return fmt.Sprintf("%s: %s (commit %s): %s", w.Severity, w.Op, ShortHash(w.Commit), w.Message)
	}
	return fmt.Sprintf("%s: %s: %s", w.Severity, w.Op, w.Message)
}

// ErrorCollector keeps the most recent warnings for status reporting.
type ErrorCollector struct {
	warnings []Warning
	limit    int
	mutex    sync.RWMutex
}

// NewErrorCollector creates a collector that retains at most limit warnings.
// A non-positive limit keeps everything.
func NewErrorCollector(limit int) *ErrorCollector {
	return &ErrorCollector{
		warnings: make([]Warning, 0),
		limit:    limit,
	}
}

// Add records a warning, evicting the oldest when over the limit.
func (ec *ErrorCollector) Add(w Warning) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	if w.Timestamp.IsZero() {
		w.Timestamp = time.Now()
	}
	ec.warnings = append(ec.warnings, w)
	if ec.limit > 0 && len(ec.warnings) > ec.limit {
		ec.warnings = ec.warnings[len(ec.warnings)-ec.limit:]
	}
}

// GetWarnings returns a copy of the collected warnings, oldest first.
func (ec *ErrorCollector) GetWarnings() []Warning {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]Warning, len(ec.warnings))
	copy(result, ec.warnings)
	return result
}

// HasErrors returns true if any warning was recorded
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.warnings) > 0
}

// Clear clears all warnings
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.warnings = ec.warnings[:0]
}

// GetWarningsByCommit returns warnings recorded for a specific commit
func (ec *ErrorCollector) GetWarningsByCommit(commit string) []Warning {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	var out []Warning
	for _, w := range ec.warnings {
		if w.Commit == commit {
			out = append(out, w)
		}
	}
	return out
}
