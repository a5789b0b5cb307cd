// Package model provides the shared value types for viewkv.
//
// This package contains type definitions and small helpers only. Every other
// internal package imports model; model imports nothing internal. This keeps
// the row, key and codec types the foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - A row is addressed by (collection, key); both are plain strings
//   - Objects and metadata are opaque to the store; codecs turn them into blobs
//   - Strategy configuration is never persisted, only fingerprints of it
package model
