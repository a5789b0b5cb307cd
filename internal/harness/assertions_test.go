package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Step: "first", Sections: []string{"insert a at 0"}, Rows: []string{}},
		{Step: "second", Sections: []string{}, Rows: []string{}, Reset: true},
	}
	r.Groups = map[string][]string{"a": {"c/1", "c/2"}, "b": {"c/3"}}
	r.Pages = map[string][]int{"a": {2}, "b": {1}}
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertGroups, Groups: map[string][]string{"a": {"c/1", "c/2"}, "b": {"c/3"}}},
		{Type: AssertGroupKeys, Group: "b", Keys: []string{"c/3"}},
		{Type: AssertPageCounts, Group: "a", Counts: []int{2}},
		{Type: AssertRowCount, Group: "a", Count: 2},
		{Type: AssertRowCount, Group: "missing", Count: 0},
		{Type: AssertResetCount, Count: 1},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "groups differ",
			assertion: Assertion{Type: AssertGroups, Groups: map[string][]string{"a": {"c/2", "c/1"}}},
			want:      "Actual: {a: [c/1 c/2], b: [c/3]}",
		},
		{
			name:      "groups expected empty",
			assertion: Assertion{Type: AssertGroups},
			want:      "Expected: {}",
		},
		{
			name:      "group keys",
			assertion: Assertion{Type: AssertGroupKeys, Group: "b", Keys: []string{"c/4"}},
			want:      "Actual: b = [c/3]",
		},
		{
			name:      "page counts",
			assertion: Assertion{Type: AssertPageCounts, Group: "a", Counts: []int{1, 1}},
			want:      "Actual: pages of a = [2]",
		},
		{
			name:      "row count",
			assertion: Assertion{Type: AssertRowCount, Group: "b", Count: 3},
			want:      "Expected: 3 rows in b",
		},
		{
			name:      "reset count",
			assertion: Assertion{Type: AssertResetCount, Count: 0},
			want:      "Actual: 1 resets",
		},
		{
			name:      "unknown type",
			assertion: Assertion{Type: "bogus"},
			want:      "unknown assertion type: bogus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], "assertion 0: ")
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := evaluate(sampleResult(), Assertion{Type: AssertResetCount, Count: 2})
	require.Error(t, err)

	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, AssertResetCount, ae.Type)
	assert.Len(t, ae.Trace, 2)

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: reset_count")
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, "[1] first sections=[insert a at 0] rows=[]")
	assert.Contains(t, msg, "[2] second sections=[] rows=[] reset")
}

func TestRenderGroups(t *testing.T) {
	assert.Equal(t, "{}", renderGroups(nil))
	assert.Equal(t, "{a: [x], b: []}", renderGroups(map[string][]string{"b": {}, "a": {"x"}}))
}
