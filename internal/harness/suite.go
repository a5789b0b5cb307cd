package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// SuiteResult aggregates the scenarios of a directory.
type SuiteResult struct {
	TotalScenarios int
	Passed         int
	Failed         int
	Failures       []ScenarioFailure
}

// ScenarioFailure describes one scenario that failed to load, run or pass.
type ScenarioFailure struct {
	ScenarioPath string
	Error        string
}

// FindScenarios lists the *.yaml files of dir in name order.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// RunSuite runs every scenario of dir. A scenario that fails to load or
// run counts as failed; the suite keeps going.
func RunSuite(dir string) (*SuiteResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(path, "failed to load scenario: %v", err)
			continue
		}
		runResult, err := Run(scenario)
		if err != nil {
			result.fail(path, "scenario execution failed: %v", err)
			continue
		}
		if !runResult.Pass {
			result.fail(path, "scenario assertions failed: %v", runResult.Errors)
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(path, format string, args ...any) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{
		ScenarioPath: path,
		Error:        fmt.Sprintf(format, args...),
	})
}
