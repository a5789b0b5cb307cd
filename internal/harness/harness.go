package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/roach88/viewkv/internal/config"
	"github.com/roach88/viewkv/internal/diff"
	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/logging"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/testutil"
	"github.com/roach88/viewkv/internal/view"
)

// Harness replays one scenario.
//
// Writes go through one connection. A second connection watches: it holds
// a long-lived read, advances it after every step and asks the view for
// the changes in between, exactly as a list UI would.
type Harness struct {
	db       *engine.Database
	writer   *engine.Connection
	watcher  *engine.Connection
	view     string
	mappings *view.Mappings
	logger   *slog.Logger
}

// Run executes a scenario against a fresh database and returns the result.
//
// Execution flow:
//  1. Open a database in a temporary directory and register the view
//  2. Run setup in one transaction
//  3. Start the watcher
//  4. Run each step, record what the watcher sees, check step expectations
//  5. Capture the final groups and pages and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "viewkv-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)
	return RunAt(scenario, filepath.Join(dir, "scenario.db"), logging.Discard())
}

// RunAt is Run with an explicit database path and logger. The database
// must not exist yet.
func RunAt(scenario *Scenario, path string, logger *slog.Logger) (*Result, error) {
	ctx := context.Background()

	db, err := engine.Open(config.ForPath(path), engine.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	cfg, err := scenario.View.config(testutil.NewPageKeys())
	if err != nil {
		return nil, fmt.Errorf("failed to build view: %w", err)
	}
	v, err := view.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build view: %w", err)
	}
	if err := db.RegisterExtension(ctx, scenario.View.Name, v); err != nil {
		return nil, fmt.Errorf("failed to register view: %w", err)
	}

	h := &Harness{
		db:       db,
		view:     scenario.View.Name,
		logger:   logger,
	}
	if h.mappings, err = scenario.Mappings.build(scenario.View.Name); err != nil {
		return nil, fmt.Errorf("failed to build mappings: %w", err)
	}
	if h.writer, err = db.NewConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	if h.watcher, err = db.NewConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to open watcher: %w", err)
	}

	result := NewResult()
	if len(scenario.Setup) > 0 {
		if err := h.apply(ctx, scenario.Setup); err != nil {
			return nil, fmt.Errorf("failed to execute setup: %w", err)
		}
	}
	if _, _, _, err := h.advance(ctx); err != nil {
		return nil, fmt.Errorf("failed to start watcher: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.apply(ctx, step.Ops); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
		sections, rows, reset, err := h.advance(ctx)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
		result.AddStepTrace(step.Name, sections, rows, reset)
		if step.Expect != nil {
			for _, msg := range checkStep(result.Trace[len(result.Trace)-1], *step.Expect) {
				result.AddError(fmt.Sprintf("step %q: %s", step.Name, msg))
			}
		}
		h.logger.Debug("scenario step completed",
			"step", step.Name,
			"sections", len(sections),
			"rows", len(rows),
			"reset", reset)
	}

	if err := h.capture(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	if err := h.watcher.EndLongLivedRead(); err != nil {
		return nil, err
	}
	return result, nil
}

func (m MappingsSpec) build(name string) (*view.Mappings, error) {
	var mappings *view.Mappings
	if len(m.Groups) == 0 {
		mappings = view.NewMappingsWithFilter(name,
			func(string) bool { return true },
			strings.Compare)
	} else {
		mappings = view.NewMappings(name, m.Groups...)
	}
	mappings.SetDynamicSectionForAllGroups(m.Dynamic)
	for _, g := range m.Reversed {
		mappings.SetReversed(g, true)
	}
	for g, r := range m.Ranges {
		opts, err := r.options()
		if err != nil {
			return nil, fmt.Errorf("range of %q: %w", g, err)
		}
		if err := mappings.SetRangeOptions(g, opts); err != nil {
			return nil, err
		}
	}
	if m.ConsolidateBelow > 0 {
		if m.Consolidated == "" {
			return nil, errors.New("consolidated: a section name is required with consolidate_below")
		}
		mappings.SetAutoConsolidateGroups(m.ConsolidateBelow, m.Consolidated)
	}
	return mappings, nil
}

func (r RangeSpec) options() (view.RangeOptions, error) {
	var pin view.Pin
	switch r.Pin {
	case "", "beginning":
		pin = view.PinBeginning
	case "end":
		pin = view.PinEnd
	default:
		return view.RangeOptions{}, fmt.Errorf("unknown pin %q", r.Pin)
	}
	if !r.Flexible {
		if r.Grow != "" || r.MaxLength != 0 || r.MinLength != 0 {
			return view.RangeOptions{}, errors.New("grow and length limits need a flexible range")
		}
		return view.FixedRange(r.Length, r.Offset, pin), nil
	}
	opts := view.FlexibleRange(r.Length, r.Offset, pin)
	opts.MaxLength, opts.MinLength = r.MaxLength, r.MinLength
	switch r.Grow {
	case "", "pin_side":
	case "non_pin_side":
		opts.Grow = view.GrowNonPinSide
	case "both":
		opts.Grow = view.GrowOnBothSides
	case "in_range_only":
		opts.Grow = view.GrowInRangeOnly
	default:
		return view.RangeOptions{}, fmt.Errorf("unknown grow option %q", r.Grow)
	}
	return opts, nil
}

// apply commits ops in one transaction.
func (h *Harness) apply(ctx context.Context, ops []Op) error {
	return h.writer.ReadWrite(ctx, func(tx *engine.ReadWriteTxn) error {
		for i, op := range ops {
			if err := applyOp(tx, op); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		}
		return nil
	})
}

func applyOp(tx *engine.ReadWriteTxn, op Op) error {
	switch {
	case op.Set != nil:
		var meta any
		if op.Set.Metadata != "" {
			meta = op.Set.Metadata
		}
		return tx.SetWithMetadata(op.Set.Collection, op.Set.Key, op.Set.Value, meta)
	case op.Remove != nil:
		return tx.Remove(op.Remove.Collection, op.Remove.Key)
	case op.Touch != nil:
		return tx.Touch(op.Touch.Collection, op.Touch.Key, model.PartRow)
	case op.RemoveCollection != "":
		return tx.RemoveAllInCollection(op.RemoveCollection)
	case op.RemoveAll:
		return tx.RemoveAll()
	}
	return errors.New("empty op")
}

// advance moves the watcher to the latest snapshot and returns the changes
// since its previous position.
func (h *Harness) advance(ctx context.Context) (sections []diff.SectionChange, rows []view.RowChange, reset bool, err error) {
	changesets, err := h.watcher.BeginLongLivedRead(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	err = h.watcher.Read(ctx, func(tx *engine.ReadTxn) error {
		vt, ok := view.From(tx, h.view)
		if !ok {
			return fmt.Errorf("view %q is not registered", h.view)
		}
		var changeErr error
		sections, rows, changeErr = vt.Changes(h.mappings, changesets)
		if errors.Is(changeErr, view.ErrReset) {
			reset = true
			return nil
		}
		return changeErr
	})
	return sections, rows, reset, err
}

// capture records the final groups and page layout.
func (h *Harness) capture(ctx context.Context, result *Result) error {
	return h.writer.Read(ctx, func(tx *engine.ReadTxn) error {
		vt, ok := view.From(tx, h.view)
		if !ok {
			return fmt.Errorf("view %q is not registered", h.view)
		}
		groups, err := vt.Groups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			keys, err := vt.Keys(g)
			if err != nil {
				return err
			}
			rendered := make([]string, len(keys))
			for i, ck := range keys {
				rendered[i] = ck.String()
			}
			result.Groups[g] = rendered

			pages, err := vt.PageInfo(g)
			if err != nil {
				return err
			}
			for _, p := range pages {
				result.Pages[g] = append(result.Pages[g], p.Count)
			}
		}
		return nil
	})
}

// checkStep compares a trace event with the step's expectations.
func checkStep(ev TraceEvent, want StepExpect) []string {
	var errs []string
	if ev.Reset != want.Reset {
		errs = append(errs, fmt.Sprintf("reset = %v, want %v", ev.Reset, want.Reset))
	}
	if want.Sections != nil && !slices.Equal(ev.Sections, want.Sections) {
		errs = append(errs, fmt.Sprintf("sections = %q, want %q", ev.Sections, want.Sections))
	}
	if want.Rows != nil && !slices.Equal(ev.Rows, want.Rows) {
		errs = append(errs, fmt.Sprintf("rows = %q, want %q", ev.Rows, want.Rows))
	}
	return errs
}
