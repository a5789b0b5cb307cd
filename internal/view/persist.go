package view

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/viewkv/internal/store"
)

// ErrCorrupt is returned when the persisted pages of a view do not form
// valid chains. Bump the view's version tag to rebuild it.
var ErrCorrupt = errors.New("view: corrupt page chain")

// tables names the two tables of one view.
type tables struct {
	page string
	rmap string
}

func tablesFor(name string) tables {
	return tables{page: "view_" + name + "_page", rmap: "view_" + name + "_map"}
}

func (t tables) list() []string { return []string{t.page, t.rmap} }

func (t tables) create(ctx context.Context, q store.Querier) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t.page + ` (
			page_key      TEXT PRIMARY KEY,
			grp           TEXT NOT NULL,
			prev_page_key TEXT,
			next_page_key TEXT,
			count         INTEGER NOT NULL,
			data          BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t.rmap + ` (
			rowid_ref INTEGER PRIMARY KEY,
			page_key  TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create view tables: %w", err)
		}
	}
	return nil
}

type pageRow struct {
	key, group, prev, next string
	count                  int
}

// loadState rebuilds the in-memory State by following the persisted links
// of every group from its head page.
func (t tables) loadState(ctx context.Context, q store.Querier) (*State, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT page_key, grp, prev_page_key, next_page_key, count FROM `+t.page)
	if err != nil {
		return nil, fmt.Errorf("load view pages: %w", err)
	}
	defer rows.Close()

	byKey := map[string]pageRow{}
	heads := map[string]string{}
	for rows.Next() {
		var (
			r          pageRow
			prev, next sql.NullString
		)
		if err := rows.Scan(&r.key, &r.group, &prev, &next, &r.count); err != nil {
			return nil, fmt.Errorf("scan view page: %w", err)
		}
		r.prev, r.next = prev.String, next.String
		byKey[r.key] = r
		if r.prev == "" {
			if other, dup := heads[r.group]; dup {
				return nil, fmt.Errorf("%w: group %q has two heads %q and %q", ErrCorrupt, r.group, other, r.key)
			}
			heads[r.group] = r.key
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load view pages: %w", err)
	}

	st := emptyState()
	seen := 0
	for group, key := range heads {
		var pages []pageMeta
		prev := ""
		for key != "" {
			r, ok := byKey[key]
			if !ok {
				return nil, fmt.Errorf("%w: group %q links to missing page %q", ErrCorrupt, group, key)
			}
			if r.group != group || r.prev != prev {
				return nil, fmt.Errorf("%w: page %q is linked from the wrong place", ErrCorrupt, key)
			}
			if _, dup := st.pageGroup[key]; dup {
				return nil, fmt.Errorf("%w: cycle at page %q", ErrCorrupt, key)
			}
			pages = append(pages, pageMeta{key: key, count: r.count})
			st.pageGroup[key] = group
			prev, key = key, r.next
			seen++
		}
		st.groups[group] = pages
	}
	if seen != len(byKey) {
		return nil, fmt.Errorf("%w: %d pages unreachable", ErrCorrupt, len(byKey)-seen)
	}
	return st, nil
}

func (t tables) loadPage(ctx context.Context, q store.Querier, key string) ([]int64, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM `+t.page+` WHERE page_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: page %q missing", ErrCorrupt, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load page %q: %w", key, err)
	}
	rowids, err := decodePage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: page %q: %v", ErrCorrupt, key, err)
	}
	return rowids, nil
}

func (t tables) lookup(ctx context.Context, q store.Querier, rowid int64) (string, bool, error) {
	var key string
	err := q.QueryRowContext(ctx, `SELECT page_key FROM `+t.rmap+` WHERE rowid_ref = ?`, rowid).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup rowid %d: %w", rowid, err)
	}
	return key, true, nil
}

func (t tables) clear(ctx context.Context, q store.Querier) error {
	for _, table := range t.list() {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (t tables) putPage(ctx context.Context, q store.Querier, r pageRow, rowids []int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+t.page+` (page_key, grp, prev_page_key, next_page_key, count, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.key, r.group, nullable(r.prev), nullable(r.next), len(rowids), encodePage(rowids))
	if err != nil {
		return fmt.Errorf("write page %q: %w", r.key, err)
	}
	return nil
}

func (t tables) putLinks(ctx context.Context, q store.Querier, r pageRow) error {
	_, err := q.ExecContext(ctx,
		`UPDATE `+t.page+` SET prev_page_key = ?, next_page_key = ? WHERE page_key = ?`,
		nullable(r.prev), nullable(r.next), r.key)
	if err != nil {
		return fmt.Errorf("link page %q: %w", r.key, err)
	}
	return nil
}

func (t tables) deletePage(ctx context.Context, q store.Querier, key string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM `+t.page+` WHERE page_key = ?`, key); err != nil {
		return fmt.Errorf("delete page %q: %w", key, err)
	}
	return nil
}

func (t tables) putMap(ctx context.Context, q store.Querier, rowid int64, key string) error {
	var err error
	if key == "" {
		_, err = q.ExecContext(ctx, `DELETE FROM `+t.rmap+` WHERE rowid_ref = ?`, rowid)
	} else {
		_, err = q.ExecContext(ctx,
			`INSERT OR REPLACE INTO `+t.rmap+` (rowid_ref, page_key) VALUES (?, ?)`, rowid, key)
	}
	if err != nil {
		return fmt.Errorf("map rowid %d: %w", rowid, err)
	}
	return nil
}
