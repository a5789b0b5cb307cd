package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/viewkv/internal/store"
)

// Error is returned by Database, Connection and transaction methods.
//
// Errors fall in three groups:
//   - Programmer errors: duplicate or invalid extension names, a failing
//     serializer, a failing extension hook, writing inside a long-lived
//     read. These are fatal; retrying the same call fails the same way.
//   - Resource failures: the underlying file could not be read or written
//     (disk full, I/O error, corruption). The transaction was rolled back
//     and the caller may retry.
//   - Aborted: wraps either of the above when it killed a read-write
//     transaction. Nothing from that transaction was persisted.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the operation that failed, e.g. "set" or "register".
	Op string

	// Extension names the extension involved, if any.
	Extension string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeExtensionExists indicates an extension name is already registered.
	ErrCodeExtensionExists ErrorCode = "EXTENSION_EXISTS"

	// ErrCodeInvalidName indicates an extension name that cannot be used in
	// table names.
	ErrCodeInvalidName ErrorCode = "INVALID_NAME"

	// ErrCodeUnknownExtension indicates no extension has the given name.
	ErrCodeUnknownExtension ErrorCode = "UNKNOWN_EXTENSION"

	// ErrCodeSerializer indicates a codec failed to encode or decode a value.
	ErrCodeSerializer ErrorCode = "SERIALIZER"

	// ErrCodeHook indicates an extension failed while processing a write.
	ErrCodeHook ErrorCode = "HOOK"

	// ErrCodeAborted indicates a read-write transaction was rolled back
	// because one of its operations failed.
	ErrCodeAborted ErrorCode = "ABORTED"

	// ErrCodeResource indicates the storage layer failed.
	ErrCodeResource ErrorCode = "RESOURCE"

	// ErrCodeClosed indicates use of a closed Database or Connection.
	ErrCodeClosed ErrorCode = "CLOSED"

	// ErrCodeLongLivedRead indicates a read-write transaction was attempted
	// on a connection inside a long-lived read transaction.
	ErrCodeLongLivedRead ErrorCode = "LONG_LIVED_READ"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Extension != "" {
		msg = fmt.Sprintf("%s (extension=%s)", msg, e.Extension)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// storeError classifies a storage error. Everything the store reports while
// a transaction is open leaves that transaction unusable.
func storeError(op string, err error) *Error {
	return newError(ErrCodeResource, op, err)
}

// hasCode reports whether any *Error in err's chain carries one of codes.
func hasCode(err error, codes ...ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		for _, c := range codes {
			if e.Code == c {
				return true
			}
		}
		err = e.Err
	}
	return false
}

// IsFatal reports whether err is a programmer error that retrying cannot fix.
func IsFatal(err error) bool {
	return hasCode(err, ErrCodeExtensionExists, ErrCodeInvalidName, ErrCodeSerializer, ErrCodeHook, ErrCodeLongLivedRead)
}

// IsResourceFailure reports whether err comes from the storage layer.
func IsResourceFailure(err error) bool {
	return hasCode(err, ErrCodeResource) || store.IsResourceFailure(err)
}

// IsNotPersisted reports whether err means a read-write transaction's
// changes were discarded.
func IsNotPersisted(err error) bool {
	return hasCode(err, ErrCodeAborted, ErrCodeResource)
}

// IsExtensionExists reports whether err is a duplicate registration.
func IsExtensionExists(err error) bool {
	return hasCode(err, ErrCodeExtensionExists)
}

// IsUnknownExtension reports whether err names an unregistered extension.
func IsUnknownExtension(err error) bool {
	return hasCode(err, ErrCodeUnknownExtension)
}

// IsClosed reports whether err comes from using a closed handle.
func IsClosed(err error) bool {
	return hasCode(err, ErrCodeClosed)
}
