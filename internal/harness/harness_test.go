package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/viewkv/internal/logging"
)

func setOp(collection, key, value string) Op {
	return Op{Set: &RowArg{Collection: collection, Key: key, Value: value}}
}

func paritySpec() ViewSpec {
	return ViewSpec{Name: "parity", GroupBy: "key_parity", SortBy: "key"}
}

func TestRun_OddEven(t *testing.T) {
	scenario := &Scenario{
		Name:        "odd_even",
		Description: "remove the first odd row",
		View:        paritySpec(),
		Mappings:    MappingsSpec{Groups: []string{"odd", "even"}},
		Setup: []Op{
			setOp("n", "1", "A"),
			setOp("n", "2", "B"),
			setOp("n", "3", "C"),
		},
		Steps: []Step{
			{
				Name: "remove A",
				Ops:  []Op{{Remove: &KeyArg{Collection: "n", Key: "1"}}},
				Expect: &StepExpect{
					Sections: []string{},
					Rows:     []string{"delete n/1 <- [0,0]"},
				},
			},
		},
		Assertions: []Assertion{
			{Type: AssertGroupKeys, Group: "odd", Keys: []string{"n/3"}},
			{Type: AssertResetCount, Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "remove A", result.Trace[0].Step)
	assert.False(t, result.Trace[0].Reset)
	assert.Equal(t, map[string][]string{"odd": {"n/3"}, "even": {"n/2"}}, result.Groups)
	assert.Equal(t, map[string][]int{"odd": {1}, "even": {1}}, result.Pages)
}

func TestRun_FailedExpectation(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectation",
		Description: "expects an insert where a delete happens",
		View:        paritySpec(),
		Mappings:    MappingsSpec{Groups: []string{"odd", "even"}},
		Setup:       []Op{setOp("n", "1", "A")},
		Steps: []Step{
			{
				Name:   "remove",
				Ops:    []Op{{Remove: &KeyArg{Collection: "n", Key: "1"}}},
				Expect: &StepExpect{Rows: []string{"insert n/1 -> [0,0]"}},
			},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `step "remove": rows =`)
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_assertion",
		Description: "asserts a row that is not there",
		View:        paritySpec(),
		Steps: []Step{
			{Name: "add", Ops: []Op{setOp("n", "2", "B")}},
		},
		Assertions: []Assertion{
			{Type: AssertGroups, Groups: map[string][]string{"odd": {"n/1"}}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "assertion 0: "))
	assert.Contains(t, result.Errors[0], "Expected: {odd: [n/1]}")
	assert.Contains(t, result.Errors[0], "Actual: {even: [n/2]}")
}

func TestRun_FilterShowsEveryGroupInOrder(t *testing.T) {
	scenario := &Scenario{
		Name:        "all_groups",
		Description: "without explicit groups every group shows up in byte order",
		View:        ViewSpec{Name: "by_collection", GroupBy: "collection", SortBy: "key"},
		Steps: []Step{
			{
				Name: "b first",
				Ops:  []Op{setOp("b", "1", "v")},
				Expect: &StepExpect{
					Sections: []string{"insert b at 0"},
					Rows:     []string{},
				},
			},
			{
				Name: "then a",
				Ops:  []Op{setOp("a", "1", "v"), setOp("b", "2", "v")},
				Expect: &StepExpect{
					Sections: []string{"insert a at 0"},
					Rows:     []string{"insert b/2 -> [1,1]"},
				},
			},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TouchReportsUpdate(t *testing.T) {
	scenario := &Scenario{
		Name:        "touch",
		Description: "touching a row reports an update in place",
		View:        paritySpec(),
		Mappings:    MappingsSpec{Groups: []string{"odd", "even"}},
		Setup:       []Op{setOp("n", "1", "A"), setOp("n", "3", "C")},
		Steps: []Step{
			{
				Name: "touch",
				Ops:  []Op{{Touch: &KeyArg{Collection: "n", Key: "3"}}},
				Expect: &StepExpect{
					Sections: []string{},
					Rows:     []string{"update n/3 [0,1] -> [0,1]"},
				},
			},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_PagesStayWithinBounds(t *testing.T) {
	var ops []Op
	for _, k := range []string{"a:5", "a:1", "a:4", "a:2", "a:3", "a:6", "a:0"} {
		ops = append(ops, setOp("c", k, k))
	}
	scenario := &Scenario{
		Name:        "pages",
		Description: "rows spread over pages of at most two",
		View: ViewSpec{
			Name: "slots", GroupBy: "object_prefix", SortBy: "object_suffix",
			MaxPageSize: 2,
		},
		Steps: []Step{{Name: "fill", Ops: ops}},
		Assertions: []Assertion{
			{Type: AssertRowCount, Group: "a", Count: 7},
			{Type: AssertGroupKeys, Group: "a", Keys: []string{
				"c/a:0", "c/a:1", "c/a:2", "c/a:3", "c/a:4", "c/a:5", "c/a:6",
			}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	total := 0
	for _, n := range result.Pages["a"] {
		assert.LessOrEqual(t, n, 2)
		assert.Positive(t, n)
		total += n
	}
	assert.Equal(t, 7, total)
}

func TestRunAt_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "explicit.db")
	scenario := &Scenario{
		Name:        "explicit",
		Description: "runs against a caller supplied path",
		View:        paritySpec(),
		Steps:       []Step{{Name: "add", Ops: []Op{setOp("n", "7", "G")}}},
	}

	result, err := RunAt(scenario, path, logging.Discard())
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.FileExists(t, path)
	assert.Equal(t, []string{"n/7"}, result.Groups["odd"])
}

func TestRun_UnknownGrouping(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad",
		Description: "unknown grouping",
		View:        ViewSpec{Name: "v", GroupBy: "nope", SortBy: "key"},
		Steps:       []Step{{Name: "s", Ops: []Op{{RemoveAll: true}}}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build view")
}

func TestCheckStep(t *testing.T) {
	ev := TraceEvent{Step: "s", Sections: []string{}, Rows: []string{"insert c/1 -> [0,0]"}}

	assert.Empty(t, checkStep(ev, StepExpect{}))
	assert.Empty(t, checkStep(ev, StepExpect{Rows: []string{"insert c/1 -> [0,0]"}}))
	assert.Len(t, checkStep(ev, StepExpect{Sections: []string{"insert c at 0"}}), 1)
	assert.Len(t, checkStep(ev, StepExpect{Reset: true, Rows: []string{}}), 2)
}
