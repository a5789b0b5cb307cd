package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s sections=%v rows=%v", i+1, event.Step, event.Sections, event.Rows)
			if event.Reset {
				buf.WriteString(" reset")
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertGroups:
		return assertGroups(result, a)
	case AssertGroupKeys:
		return assertGroupKeys(result, a)
	case AssertPageCounts:
		return assertPageCounts(result, a)
	case AssertRowCount:
		return assertRowCount(result, a)
	case AssertResetCount:
		return assertResetCount(result, a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

// assertGroups checks the final content of every group. Groups missing
// from the assertion must be empty.
func assertGroups(result *Result, a Assertion) error {
	want := a.Groups
	if want == nil {
		want = map[string][]string{}
	}
	if maps.EqualFunc(result.Groups, want, slices.Equal[[]string]) {
		return nil
	}
	return &AssertionError{
		Type:     AssertGroups,
		Expected: renderGroups(want),
		Actual:   renderGroups(result.Groups),
		Trace:    result.Trace,
	}
}

func assertGroupKeys(result *Result, a Assertion) error {
	got := result.Groups[a.Group]
	if slices.Equal(got, a.Keys) {
		return nil
	}
	return &AssertionError{
		Type:     AssertGroupKeys,
		Expected: fmt.Sprintf("%s = %v", a.Group, a.Keys),
		Actual:   fmt.Sprintf("%s = %v", a.Group, got),
		Trace:    result.Trace,
	}
}

func assertPageCounts(result *Result, a Assertion) error {
	got := result.Pages[a.Group]
	if slices.Equal(got, a.Counts) {
		return nil
	}
	return &AssertionError{
		Type:     AssertPageCounts,
		Expected: fmt.Sprintf("pages of %s = %v", a.Group, a.Counts),
		Actual:   fmt.Sprintf("pages of %s = %v", a.Group, got),
	}
}

func assertRowCount(result *Result, a Assertion) error {
	got := len(result.Groups[a.Group])
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertRowCount,
		Expected: fmt.Sprintf("%d rows in %s", a.Count, a.Group),
		Actual:   fmt.Sprintf("%d rows", got),
		Trace:    result.Trace,
	}
}

func assertResetCount(result *Result, a Assertion) error {
	got := 0
	for _, ev := range result.Trace {
		if ev.Reset {
			got++
		}
	}
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertResetCount,
		Expected: fmt.Sprintf("%d resets", a.Count),
		Actual:   fmt.Sprintf("%d resets", got),
		Trace:    result.Trace,
	}
}

func renderGroups(groups map[string][]string) string {
	if len(groups) == 0 {
		return "{}"
	}
	var parts []string
	for _, g := range slices.Sorted(maps.Keys(groups)) {
		parts = append(parts, fmt.Sprintf("%s: %v", g, groups[g]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
