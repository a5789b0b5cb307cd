package engine

import (
	"log/slog"

	"github.com/roach88/viewkv/internal/model"
)

// Option customizes Open.
type Option func(*Database)

// WithLogger replaces the logger built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(db *Database) { db.log = l }
}

// WithObjectCodec sets the codec for objects. Default: model.JSONCodec.
func WithObjectCodec(c model.Codec) Option {
	return func(db *Database) { db.objectCodec = c }
}

// WithMetadataCodec sets the codec for metadata. Default: model.JSONCodec.
func WithMetadataCodec(c model.Codec) Option {
	return func(db *Database) { db.metadataCodec = c }
}

// WithObjectSanitizer installs pre/post hooks around object writes.
func WithObjectSanitizer(s model.Sanitizer) Option {
	return func(db *Database) { db.objectSanitizer = s }
}

// WithMetadataSanitizer installs pre/post hooks around metadata writes.
func WithMetadataSanitizer(s model.Sanitizer) Option {
	return func(db *Database) { db.metadataSanitizer = s }
}

// WithIDs sets the generator for connection and changeset IDs.
// Default: UUIDv7Generator.
func WithIDs(g IDGenerator) Option {
	return func(db *Database) { db.ids = g }
}
