package harness

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/view"
)

// config builds the view configuration v describes.
func (v ViewSpec) config(keys engine.IDGenerator) (view.Config, error) {
	grouping, err := groupingFor(v.GroupBy)
	if err != nil {
		return view.Config{}, err
	}
	sorting, err := sortingFor(v.SortBy, v.Locale)
	if err != nil {
		return view.Config{}, err
	}
	cfg := view.Config{
		Grouping:   grouping,
		Sorting:    sorting,
		VersionTag: v.GroupBy + "/" + v.SortBy,
		Options: view.Options{
			MaxPageSize:        v.MaxPageSize,
			MinPageSize:        v.MinPageSize,
			AllowedCollections: v.Collections,
			PageKeys:           keys,
		},
	}
	if v.MaxPageSize != 0 && v.MaxPageSize < 2 {
		return view.Config{}, fmt.Errorf("max_page_size %d: must be at least 2", v.MaxPageSize)
	}
	return cfg, nil
}

func objectString(row model.Row) string {
	s, _ := row.Object.(string)
	return s
}

func suffix(row model.Row) string {
	_, s, _ := strings.Cut(objectString(row), ":")
	return s
}

func groupingFor(name string) (view.Grouping, error) {
	switch name {
	case "key_parity":
		return view.GroupingFunc(model.PartKey, func(row model.Row) (string, bool) {
			n, err := strconv.Atoi(row.Key)
			if err != nil {
				return "", false
			}
			if n%2 == 0 {
				return "even", true
			}
			return "odd", true
		}), nil
	case "object_prefix":
		return view.GroupingFunc(model.PartObject, func(row model.Row) (string, bool) {
			g, _, ok := strings.Cut(objectString(row), ":")
			return g, ok
		}), nil
	case "collection":
		return view.GroupingFunc(model.PartKey, func(row model.Row) (string, bool) {
			return row.Collection, true
		}), nil
	}
	return nil, fmt.Errorf("unknown group_by %q", name)
}

func sortingFor(name, locale string) (view.Sorting, error) {
	switch name {
	case "key":
		return view.SortByKey(), nil
	case "object":
		return view.SortingFunc(model.PartObject, func(_ string, a, b model.Row) int {
			return strings.Compare(objectString(a), objectString(b))
		}), nil
	case "object_suffix":
		return view.SortingFunc(model.PartObject, func(_ string, a, b model.Row) int {
			return strings.Compare(suffix(a), suffix(b))
		}), nil
	case "object_suffix_desc":
		return view.SortingFunc(model.PartObject, func(_ string, a, b model.Row) int {
			return strings.Compare(suffix(b), suffix(a))
		}), nil
	case "collated":
		tag := language.Und
		if locale != "" {
			var err error
			if tag, err = language.Parse(locale); err != nil {
				return nil, fmt.Errorf("locale %q: %w", locale, err)
			}
		}
		return view.CollatedStringSorting(tag, model.PartObject, suffix), nil
	}
	return nil, fmt.Errorf("unknown sort_by %q", name)
}
