package ingest

import (
	"fmt"
	"time"
)

// Mode selects the trade direction for a work item.
type Mode string

// Supported trade modes.
const (
	ModeExport Mode = "export"
	ModeImport Mode = "import"
)

// Modes lists every mode in processing order.
func Modes() []Mode {
	return []Mode{ModeExport, ModeImport}
}

// ParseMode validates a textual mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeExport, ModeImport:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// Status is the lifecycle state of one (code, mode) pair.
type Status string

// Work item statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends a run for the item.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkItem tracks ingestion progress for one product code in one mode.
type WorkItem struct {
	Code          string     `json:"code"`
	Mode          Mode       `json:"mode"`
	Status        Status     `json:"status"`
	ErrorCount    int        `json:"error_count"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Key identifies a work item.
type Key struct {
	Code string
	Mode Mode
}

// String renders the key as code/mode.
func (k Key) String() string {
	return k.Code + "/" + string(k.Mode)
}

// ItemFilter narrows read accessors. Zero values mean "any".
type ItemFilter struct {
	Status    Status
	Mode      Mode
	MinErrors int
	Limit     int
}

// Matches reports whether item satisfies the filter (ignoring Limit).
func (f ItemFilter) Matches(item WorkItem) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.Mode != "" && item.Mode != f.Mode {
		return false
	}
	return item.ErrorCount >= f.MinErrors
}

// Stats aggregates work item counts for status reporting.
type Stats struct {
	Total     int                     `json:"total"`
	ByMode    map[Mode]map[Status]int `json:"by_mode"`
	CodesDone int                     `json:"codes_done"`
	Codes     int                     `json:"codes"`
}

// NewStats returns Stats with every mode/status bucket initialised to zero.
func NewStats() Stats {
	st := Stats{ByMode: make(map[Mode]map[Status]int, 2)}
	for _, m := range Modes() {
		st.ByMode[m] = map[Status]int{
			StatusPending:   0,
			StatusRunning:   0,
			StatusCompleted: 0,
			StatusFailed:    0,
		}
	}
	return st
}

// RunStatus is the outcome of one scheduler run.
type RunStatus string

// Run outcomes persisted with the run history.
const (
	RunActive   RunStatus = "running"
	RunOK       RunStatus = "ok"
	RunAborted  RunStatus = "aborted"
	RunCanceled RunStatus = "canceled"
)

// Summary reports what a single run did.
type Summary struct {
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Run is one persisted scheduler invocation.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Summary    Summary    `json:"summary"`
	Error      string     `json:"error,omitempty"`
}
