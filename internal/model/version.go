package model

// Version constants for the on-disk format and engine.
const (
	// FormatVersion is the primary table schema version, stored in PRAGMA user_version.
	FormatVersion = 1

	// EngineVersion is the viewkv engine version.
	EngineVersion = "0.1.0"
)
