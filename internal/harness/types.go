package harness

import (
	"fmt"

	"github.com/roach88/viewkv/internal/diff"
	"github.com/roach88/viewkv/internal/view"
)

// TraceEvent is what the watcher saw after one step.
type TraceEvent struct {
	Step     string   `json:"step"`
	Sections []string `json:"sections"`
	Rows     []string `json:"rows"`
	// Reset is set when the step could not be expressed as changes and the
	// watcher had to reload.
	Reset bool `json:"reset,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion matched.
	Pass bool `json:"pass"`

	// Trace holds one event per step.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`

	// Groups is the final content of the view, keys rendered as
	// "collection/key".
	Groups map[string][]string `json:"groups"`

	// Pages is the final row count of each page, per group.
	Pages map[string][]int `json:"pages"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Groups: map[string][]string{},
		Pages:  map[string][]int{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace records the changes of one step.
func (r *Result) AddStepTrace(step string, sections []diff.SectionChange, rows []view.RowChange, reset bool) {
	ev := TraceEvent{
		Step:     step,
		Sections: []string{},
		Rows:     []string{},
		Reset:    reset,
	}
	for _, s := range sections {
		ev.Sections = append(ev.Sections, FormatSection(s))
	}
	for _, rc := range rows {
		ev.Rows = append(ev.Rows, rc.String())
	}
	r.Trace = append(r.Trace, ev)
}

// FormatSection renders a section change as "insert b at 1".
func FormatSection(s diff.SectionChange) string {
	return fmt.Sprintf("%s %s at %d", s.Type, s.Group, s.Index)
}
