package entity

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a TrackedFile.
type Status string

const (
	StatusDiscovered      Status = "discovered"
	StatusDownloadPending Status = "download_pending"
	StatusDownloading     Status = "downloading"
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRecrawl         Status = "recrawl"
	StatusImportError     Status = "import_error"
	StatusSchemaMismatch  Status = "schema_mismatch"
	StatusSkipped         Status = "skipped"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDiscovered,
	StatusDownloadPending,
	StatusDownloading,
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusRecrawl,
	StatusImportError,
	StatusSchemaMismatch,
	StatusSkipped,
}

var (
	// ErrStaleState is matched by StaleStateError: the record is no longer in the expected status.
	ErrStaleState = errors.New("stale state")
	// ErrInvalidTransition is matched by TransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when no tracked file matches the lookup.
	ErrNotFound = errors.New("tracked file not found")
	// ErrDuplicateURL is returned when a write would give two records the same file_url.
	ErrDuplicateURL = errors.New("file url already tracked")
)

// automaticTransitions are the edges pipeline components may take on their own. Besides the
// main pipeline path, downloading has two exits back out: to discovered for a retryable
// failure (retry_at set) and to completed when a download_pending claim finds upstream unchanged.
var automaticTransitions = map[Status]map[Status]bool{
	StatusDiscovered: {
		StatusDownloading: true,
		StatusSkipped:     true,
	},
	StatusDownloadPending: {
		StatusDownloading: true,
		StatusSkipped:     true,
	},
	StatusDownloading: {
		StatusPending:    true,
		StatusRecrawl:    true,
		StatusFailed:     true,
		StatusDiscovered: true, // transient failure, retry_at set
		StatusCompleted:  true, // upstream unchanged for a download_pending claim
	},
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusCompleted:      true,
		StatusImportError:    true,
		StatusSchemaMismatch: true,
		StatusPending:        true, // lease expired
	},
	StatusRecrawl: {
		StatusDiscovered: true,
	},
	StatusCompleted: {
		StatusDownloadPending: true,
	},
}

// manualTransitions are only taken on explicit operator request.
var manualTransitions = map[Status]map[Status]bool{
	StatusImportError:    {StatusPending: true},
	StatusSchemaMismatch: {StatusPending: true},
	StatusFailed:         {StatusDiscovered: true},
	StatusCompleted:      {StatusProcessing: true},
}

// TransitionError reports an edge outside the state machine.
type TransitionError struct {
	From   Status
	To     Status
	Manual bool
}

func (e *TransitionError) Error() string {
	kind := "automatic"
	if e.Manual {
		kind = "manual"
	}
	return fmt.Sprintf("%s transition %s -> %s is not allowed", kind, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StaleStateError is returned when a compare-and-swap finds the record in a different status.
// Callers treat it as "someone else has it".
type StaleStateError struct {
	ID       int64
	Expected Status
	Actual   Status
}

func (e *StaleStateError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("tracked file %d is no longer %s", e.ID, e.Expected)
	}
	return fmt.Sprintf("tracked file %d is %s, expected %s", e.ID, e.Actual, e.Expected)
}

func (e *StaleStateError) Is(target error) bool {
	return target == ErrStaleState
}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no component will pick the record up without operator action
// or an upstream change signal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusImportError, StatusSchemaMismatch:
		return true
	}
	return false
}

// NonTerminalStatuses returns the statuses that still have pipeline work ahead of them.
func NonTerminalStatuses() []Status {
	out := make([]Status, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// ValidateTransition checks an automatic edge.
func ValidateTransition(from, to Status) error {
	if automaticTransitions[from][to] {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// ValidateManualTransition checks an operator-requested edge. Any automatic edge is also
// allowed, and every status may be reset to discovered.
func ValidateManualTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return &TransitionError{From: from, To: to, Manual: true}
	}
	if to == StatusDiscovered || automaticTransitions[from][to] || manualTransitions[from][to] {
		return nil
	}
	return &TransitionError{From: from, To: to, Manual: true}
}
