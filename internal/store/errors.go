package store

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/mattn/go-sqlite3"
)

// ErrResource marks failures of the underlying file: disk full, I/O error,
// corruption, permissions. Callers see these as "not persisted".
var ErrResource = errors.New("storage resource failure")

// identifierPattern validates names that end up inside table names.
// SQLite doesn't support parameterized table names in DDL statements.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateIdentifier verifies name is safe to embed in a table name.
func ValidateIdentifier(name string) error {
	if name == "" {
		return errors.New("invalid name: cannot be empty")
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: must contain only letters, digits and underscores, and must not start with a digit", name)
	}
	return nil
}

// IsResourceFailure reports whether err is (or wraps) a storage resource failure.
func IsResourceFailure(err error) bool {
	return errors.Is(err, ErrResource)
}

// wrapResource tags SQLite resource failures with ErrResource, leaving the
// original error in the chain.
func wrapResource(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull, sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrNotADB,
			sqlite3.ErrCantOpen, sqlite3.ErrReadonly, sqlite3.ErrNomem:
			return &resourceError{err: err}
		}
	}
	return err
}

type resourceError struct {
	err error
}

func (e *resourceError) Error() string {
	return e.err.Error()
}

func (e *resourceError) Unwrap() []error {
	return []error{ErrResource, e.err}
}
