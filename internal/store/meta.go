package store

import (
	"context"
	"fmt"
)

// Extension properties persisted in kv_extensions.
const (
	PropKind        = "kind"
	PropVersionTag  = "version_tag"
	PropFingerprint = "fingerprint"
	// PropTables is the comma separated list of tables the extension owns, so
	// they can be dropped without the extension being registered.
	PropTables = "tables"
)

// Snapshot returns the committed snapshot number visible to this connection.
// Inside a read transaction this is the first read, which fixes the WAL
// snapshot the transaction will see.
func (c *Conn) Snapshot(ctx context.Context) (uint64, error) {
	var s int64
	if err := c.QueryRowContext(ctx,
		`SELECT value FROM kv_meta WHERE name = 'snapshot'`,
	).Scan(&s); err != nil {
		return 0, fmt.Errorf("read snapshot: %w", wrapResource(err))
	}
	return uint64(s), nil
}

// SetSnapshot stores the snapshot number. Must run inside the write
// transaction that produces that snapshot.
func (c *Conn) SetSnapshot(ctx context.Context, snapshot uint64) error {
	if _, err := c.ExecContext(ctx,
		`INSERT INTO kv_meta (name, value) VALUES ('snapshot', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		int64(snapshot),
	); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ExtensionInfo returns the persisted properties of an extension.
// An unknown extension yields an empty map.
func (c *Conn) ExtensionInfo(ctx context.Context, name string) (map[string]string, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT prop, value FROM kv_extensions WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("read extension %s: %w", name, err)
	}
	defer rows.Close()

	info := map[string]string{}
	for rows.Next() {
		var prop, value string
		if err := rows.Scan(&prop, &value); err != nil {
			return nil, fmt.Errorf("read extension %s: scan: %w", name, err)
		}
		info[prop] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read extension %s: iterate: %w", name, wrapResource(err))
	}
	return info, nil
}

// PutExtensionInfo replaces the persisted properties of an extension.
func (c *Conn) PutExtensionInfo(ctx context.Context, name string, info map[string]string) error {
	if err := c.DeleteExtensionInfo(ctx, name); err != nil {
		return err
	}
	for prop, value := range info {
		if _, err := c.ExecContext(ctx,
			`INSERT INTO kv_extensions (name, prop, value) VALUES (?, ?, ?)`,
			name, prop, value,
		); err != nil {
			return fmt.Errorf("write extension %s: %w", name, err)
		}
	}
	return nil
}

// DeleteExtensionInfo forgets an extension.
func (c *Conn) DeleteExtensionInfo(ctx context.Context, name string) error {
	if _, err := c.ExecContext(ctx, `DELETE FROM kv_extensions WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete extension %s: %w", name, err)
	}
	return nil
}

// ExtensionNames lists every extension recorded in the file.
func (c *Conn) ExtensionNames(ctx context.Context) ([]string, error) {
	return c.queryStrings(ctx, "list extensions",
		`SELECT DISTINCT name FROM kv_extensions ORDER BY name COLLATE BINARY ASC`)
}

// DropTables drops each named table if it exists.
func (c *Conn) DropTables(ctx context.Context, tables []string) error {
	for _, t := range tables {
		if err := ValidateIdentifier(t); err != nil {
			return fmt.Errorf("drop table: %w", err)
		}
		if _, err := c.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return nil
}
