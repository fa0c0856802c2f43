// Package schema introspects a SQLite/GeoPackage table to find the single
// integer column that serves as its primary key.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lutraconsulting/wpsync/internal/ident"
)

// ErrUnsupportedSchema is returned when a table has zero or more than one
// primary-key column.
var ErrUnsupportedSchema = errors.New("unsupported schema")

// PrimaryKey returns the name of table's single-column integer primary key.
func PrimaryKey(ctx context.Context, conn *sql.DB, table string) (string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", ident.Quote(table)))
	if err != nil {
		return "", fmt.Errorf("inspect table %q: %w", table, err)
	}
	defer rows.Close()

	var pkColumn string
	found := 0
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return "", fmt.Errorf("scan table_info row for %q: %w", table, err)
		}
		if pk != 0 {
			found++
			pkColumn = name
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read table_info for %q: %w", table, err)
	}

	if found != 1 {
		return "", fmt.Errorf("%w: table %q has %d primary-key columns, want exactly 1", ErrUnsupportedSchema, table, found)
	}
	return pkColumn, nil
}
