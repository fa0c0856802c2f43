// Package filter applies a work package's predicate to a configured table,
// deleting the rows that do not belong in that work package.
package filter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lutraconsulting/wpsync/internal/config"
	"github.com/lutraconsulting/wpsync/internal/ident"
	"github.com/lutraconsulting/wpsync/internal/sqlitedb"
)

// ErrFilter wraps a malformed filter request, such as a geometry table
// whose configured value is a list or a non-string scalar. A string that
// does not parse as WKT is reported by the DELETE statement instead, as a
// storage error.
var ErrFilter = errors.New("filter error")

// Apply deletes every row of table that does not satisfy value, interpreted
// according to table.Method. The caller owns the enclosing transaction and
// must VACUUM outside of it afterwards.
func Apply(ctx context.Context, conn *sql.DB, table config.Table, value config.Value) error {
	switch table.Method {
	case config.MethodFilterColumn:
		return applyColumnFilter(ctx, conn, table, value)
	case config.MethodFilterGeometry:
		return applyGeometryFilter(ctx, conn, table, value)
	default:
		return fmt.Errorf("%w: table %q has unknown method %q", ErrFilter, table.Name, table.Method)
	}
}

func applyColumnFilter(ctx context.Context, conn *sql.DB, table config.Table, value config.Value) error {
	quotedTable := ident.Quote(table.Name)
	quotedColumn := ident.Quote(table.FilterColumn)

	nullStmt := fmt.Sprintf(`DELETE FROM %s WHERE %s IS NULL`, quotedTable, quotedColumn)
	if _, err := conn.ExecContext(ctx, nullStmt); err != nil {
		return fmt.Errorf("%w: drop NULL %s rows from %q: %v", sqlitedb.ErrStorage, table.FilterColumn, table.Name, err)
	}

	switch value.Kind() {
	case config.KindScalar:
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s != ?`, quotedTable, quotedColumn)
		if _, err := conn.ExecContext(ctx, stmt, value.AsScalar()); err != nil {
			return fmt.Errorf("%w: filter %q by %s: %v", sqlitedb.ErrStorage, table.Name, table.FilterColumn, err)
		}
	case config.KindList:
		values := value.AsList()
		placeholders := make([]string, len(values))
		args := make([]any, len(values))
		for i, v := range values {
			placeholders[i] = "?"
			args[i] = v
		}
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s NOT IN (%s)`, quotedTable, quotedColumn, strings.Join(placeholders, ","))
		if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("%w: filter %q by %s IN (...): %v", sqlitedb.ErrStorage, table.Name, table.FilterColumn, err)
		}
	default:
		return fmt.Errorf("%w: table %q uses filter-column but its value is not a scalar or list", ErrFilter, table.Name)
	}
	return nil
}

// geometryColumn is the fixed name GeoPackage tables store their feature
// geometry under, matching the original tool's filtering query.
const geometryColumn = "geometry"

// applyGeometryFilter keeps only rows whose geometry intersects the
// configured WKT. The WKT is not user-supplied in practice (it comes from
// the trusted work-package config), but it is still bound as a parameter
// rather than interpolated, matching the rest of this package.
//
// GeomFromGPB and ST_Intersects/ST_GeomFromText are not SQLite builtins:
// the original tool loaded spatialite as a C extension to get them, but
// modernc.org/sqlite is a pure-Go port with no extension-loading mechanism.
// init (geometry.go) registers Go implementations of all three as scalar
// functions on the driver instead.
func applyGeometryFilter(ctx context.Context, conn *sql.DB, table config.Table, value config.Value) error {
	wkt, err := value.AsGeometry()
	if err != nil {
		return fmt.Errorf("%w: table %q: %v", ErrFilter, table.Name, err)
	}
	quotedTable := ident.Quote(table.Name)
	quotedGeom := ident.Quote(geometryColumn)
	stmt := fmt.Sprintf(
		`DELETE FROM %s WHERE NOT ST_Intersects(GeomFromGPB(%s), ST_GeomFromText(?))`,
		quotedTable, quotedGeom,
	)
	if _, err := conn.ExecContext(ctx, stmt, wkt); err != nil {
		return fmt.Errorf("%w: geometry-filter %q: %v", sqlitedb.ErrStorage, table.Name, err)
	}
	return nil
}
