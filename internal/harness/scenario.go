package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one replayable view test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// View declares the view under test.
	View ViewSpec `yaml:"view"`

	// Mappings declares what the watcher shows. When Groups is empty every
	// group of the view is shown in byte order.
	Mappings MappingsSpec `yaml:"mappings,omitempty"`

	// Setup runs in a single transaction before the watcher starts.
	Setup []Op `yaml:"setup,omitempty"`

	// Steps run in order; each commits one transaction.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state and the trace.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ViewSpec selects the strategies and storage options of a view.
type ViewSpec struct {
	Name        string   `yaml:"name"`
	GroupBy     string   `yaml:"group_by"`
	SortBy      string   `yaml:"sort_by"`
	Locale      string   `yaml:"locale,omitempty"`
	MaxPageSize int      `yaml:"max_page_size,omitempty"`
	MinPageSize int      `yaml:"min_page_size,omitempty"`
	Collections []string `yaml:"collections,omitempty"`
}

// MappingsSpec configures the watcher's sections.
type MappingsSpec struct {
	Groups   []string `yaml:"groups,omitempty"`
	Dynamic  bool     `yaml:"dynamic,omitempty"`
	Reversed []string `yaml:"reversed,omitempty"`

	// Ranges limit groups to a window of rows.
	Ranges map[string]RangeSpec `yaml:"ranges,omitempty"`

	// ConsolidateBelow shows every mapped group as one section named
	// Consolidated while they hold fewer rows in total.
	ConsolidateBelow int    `yaml:"consolidate_below,omitempty"`
	Consolidated     string `yaml:"consolidated,omitempty"`
}

// RangeSpec describes the range options of one group.
type RangeSpec struct {
	Length    int    `yaml:"length"`
	Offset    int    `yaml:"offset,omitempty"`
	Pin       string `yaml:"pin,omitempty"` // beginning (default) or end
	Flexible  bool   `yaml:"flexible,omitempty"`
	MaxLength int    `yaml:"max_length,omitempty"`
	MinLength int    `yaml:"min_length,omitempty"`
	// Grow is pin_side (the default), non_pin_side, both or in_range_only.
	Grow string `yaml:"grow,omitempty"`
}

// Step is one transaction and, optionally, the changes it must produce.
type Step struct {
	Name   string      `yaml:"name"`
	Ops    []Op        `yaml:"ops"`
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect lists the exact changes a step reports, rendered as strings.
// A nil list is not checked; an empty list expects no changes.
type StepExpect struct {
	Sections []string `yaml:"sections,omitempty"`
	Rows     []string `yaml:"rows,omitempty"`
	Reset    bool     `yaml:"reset,omitempty"`
}

// Op is one write. Exactly one field is set.
type Op struct {
	Set              *RowArg `yaml:"set,omitempty"`
	Remove           *KeyArg `yaml:"remove,omitempty"`
	Touch            *KeyArg `yaml:"touch,omitempty"`
	RemoveCollection string  `yaml:"remove_collection,omitempty"`
	RemoveAll        bool    `yaml:"remove_all,omitempty"`
}

// RowArg is the row written by a set op.
type RowArg struct {
	Collection string `yaml:"collection"`
	Key        string `yaml:"key"`
	Value      string `yaml:"value"`
	Metadata   string `yaml:"metadata,omitempty"`
}

// KeyArg addresses a row.
type KeyArg struct {
	Collection string `yaml:"collection"`
	Key        string `yaml:"key"`
}

// Assertion validates the final state or the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Group names the group (group_keys, page_counts, row_count).
	Group string `yaml:"group,omitempty"`

	// Groups is the expected content of every group (groups).
	Groups map[string][]string `yaml:"groups,omitempty"`

	// Keys is the expected content of Group (group_keys).
	Keys []string `yaml:"keys,omitempty"`

	// Counts are the expected page sizes of Group (page_counts).
	Counts []int `yaml:"counts,omitempty"`

	// Count is the expected number (row_count, reset_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertGroups     = "groups"
	AssertGroupKeys  = "group_keys"
	AssertPageCounts = "page_counts"
	AssertRowCount   = "row_count"
	AssertResetCount = "reset_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos do not silently skip checks.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.View.Name == "" {
		return errors.New("view.name is required")
	}
	if _, err := s.View.config(nil); err != nil {
		return fmt.Errorf("view: %w", err)
	}
	if _, err := s.Mappings.build(s.View.Name); err != nil {
		return fmt.Errorf("mappings: %w", err)
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	for i, op := range s.Setup {
		if err := op.validate(); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Steps {
		if step.Name == "" {
			return fmt.Errorf("steps[%d]: name is required", i)
		}
		if len(step.Ops) == 0 {
			return fmt.Errorf("steps[%d]: ops list is required", i)
		}
		for j, op := range step.Ops {
			if err := op.validate(); err != nil {
				return fmt.Errorf("steps[%d].ops[%d]: %w", i, j, err)
			}
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func (op Op) validate() error {
	set := 0
	if op.Set != nil {
		set++
		if op.Set.Collection == "" || op.Set.Key == "" {
			return errors.New("set: collection and key are required")
		}
	}
	for _, k := range []*KeyArg{op.Remove, op.Touch} {
		if k != nil {
			set++
			if k.Collection == "" || k.Key == "" {
				return errors.New("collection and key are required")
			}
		}
	}
	if op.RemoveCollection != "" {
		set++
	}
	if op.RemoveAll {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one operation per op, found %d", set)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertGroups:
	case AssertGroupKeys, AssertPageCounts, AssertRowCount:
		if a.Group == "" {
			return fmt.Errorf("assertions[%d]: group is required for %s", index, a.Type)
		}
		if a.Type == AssertPageCounts && len(a.Counts) == 0 {
			return fmt.Errorf("assertions[%d]: counts is required for page_counts", index)
		}
	case AssertResetCount:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
