package database

import (
	"context"
	"fmt"
	"sync"
)

// ColumnCache answers "does column exist on table" (cached_column_exists)
// without re-querying SQLite's schema catalog on every hot-path check.
// It follows the same db.Raw(...).Scan(...) idiom
// database.go's logSQLiteConfig uses for PRAGMA queries, applied here to
// PRAGMA table_info instead of a single scalar PRAGMA.
//
// The cache is forward-only: once a table's columns are loaded they are
// never invalidated, matching the schema's forward-only migration model.
// It is freed only when the process exits.
type ColumnCache struct {
	db *DB

	mu      sync.RWMutex
	columns map[string]map[string]bool // table -> column -> exists
}

// NewColumnCache returns a cache backed by db. Call WarmUp at startup for
// the hottest tables so their first Exists call doesn't pay for a PRAGMA
// round trip.
func NewColumnCache(db *DB) *ColumnCache {
	return &ColumnCache{db: db, columns: make(map[string]map[string]bool)}
}

type tableInfoRow struct {
	Name string `gorm:"column:name"`
}

// WarmUp loads table's column set via PRAGMA table_info ahead of time.
func (c *ColumnCache) WarmUp(ctx context.Context, table string) error {
	_, err := c.load(ctx, table)
	return err
}

// Exists returns cached_column_exists(table, col): the cached result if
// table has already been loaded, else loads it via PRAGMA table_info and
// caches the result before answering.
func (c *ColumnCache) Exists(ctx context.Context, table, col string) (bool, error) {
	c.mu.RLock()
	cols, ok := c.columns[table]
	c.mu.RUnlock()
	if ok {
		return cols[col], nil
	}

	cols, err := c.load(ctx, table)
	if err != nil {
		return false, err
	}
	return cols[col], nil
}

func (c *ColumnCache) load(ctx context.Context, table string) (map[string]bool, error) {
	var rows []tableInfoRow
	if err := c.db.DB.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA table_info(%s)", table)).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading table_info for %s: %w", table, err)
	}

	cols := make(map[string]bool, len(rows))
	for _, r := range rows {
		cols[r.Name] = true
	}

	c.mu.Lock()
	c.columns[table] = cols
	c.mu.Unlock()
	return cols, nil
}
