package view

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/model"
)

// DefaultMaxPageSize is the page occupancy above which a page splits.
const DefaultMaxPageSize = 50

// Config describes a view.
type Config struct {
	Grouping  Grouping
	Sorting   Sorting
	Filtering Filtering // optional

	// VersionTag is persisted with the view. Change it whenever the
	// strategies change behavior; the view is then rebuilt on registration.
	VersionTag string

	Options Options
}

// Options tune storage. They are covered by the view's fingerprint, so
// changing them between runs rebuilds the view.
type Options struct {
	// MaxPageSize bounds rows per page. Default DefaultMaxPageSize.
	MaxPageSize int
	// MinPageSize is the occupancy below which a page merges into a
	// neighbour. Default MaxPageSize/4.
	MinPageSize int
	// AllowedCollections restricts the view to rows of these collections.
	// Empty means every collection.
	AllowedCollections []string
	// PageKeys generates page keys. Default engine.UUIDv7Generator.
	PageKeys engine.IDGenerator
}

func (c *Config) withDefaults() {
	if c.Options.MaxPageSize == 0 {
		c.Options.MaxPageSize = DefaultMaxPageSize
	}
	if c.Options.MinPageSize == 0 {
		c.Options.MinPageSize = c.Options.MaxPageSize / 4
	}
	if c.Options.PageKeys == nil {
		c.Options.PageKeys = engine.UUIDv7Generator{}
	}
	if len(c.Options.AllowedCollections) > 0 {
		c.Options.AllowedCollections = slices.Clone(c.Options.AllowedCollections)
		slices.Sort(c.Options.AllowedCollections)
		c.Options.AllowedCollections = slices.Compact(c.Options.AllowedCollections)
	}
}

// Validate checks a config after defaults were applied.
func (c Config) Validate() error {
	var errs []error
	if c.Grouping == nil {
		errs = append(errs, errors.New("grouping is required"))
	}
	if c.Sorting == nil {
		errs = append(errs, errors.New("sorting is required"))
	}
	if c.Options.MaxPageSize < 2 {
		errs = append(errs, fmt.Errorf("max page size %d: must be at least 2", c.Options.MaxPageSize))
	}
	if c.Options.MinPageSize < 0 || c.Options.MinPageSize > c.Options.MaxPageSize/2 {
		errs = append(errs, fmt.Errorf("min page size %d: must be between 0 and max page size / 2", c.Options.MinPageSize))
	}
	return errors.Join(errs...)
}

// fingerprint covers the persisted layout choices.
func (c Config) fingerprint() string {
	return model.Fingerprint(model.DomainView,
		strconv.Itoa(c.Options.MaxPageSize),
		strconv.Itoa(c.Options.MinPageSize),
		strings.Join(c.Options.AllowedCollections, "\x1f"))
}

func (c Config) allows(collection string) bool {
	if len(c.Options.AllowedCollections) == 0 {
		return true
	}
	_, ok := slices.BinarySearch(c.Options.AllowedCollections, collection)
	return ok
}

// groupOf runs grouping and filtering.
func (c Config) groupOf(row model.Row) (string, bool) {
	if !c.allows(row.Collection) {
		return "", false
	}
	group, ok := c.Grouping.Group(row)
	if !ok {
		return "", false
	}
	if c.Filtering != nil && !c.Filtering.Include(group, row) {
		return "", false
	}
	return group, true
}

// placementParts are the parts that can move a row between groups.
func (c Config) placementParts() model.RowParts {
	p := c.Grouping.Parts()
	if c.Filtering != nil {
		p |= c.Filtering.Parts()
	}
	return p
}
