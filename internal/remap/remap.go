// Package remap persists the bijective primary-key mapping between a
// master table and its work-package-local counterpart, and rewrites a
// target table's primary key column in place between the two numbering
// schemes.
//
// Storage is a secondary database attached to the target connection under
// the alias sqlitedb.RemapAlias. For each (table, work package) pair it
// materializes one relation named "<table>_<wp>" holding
// (master_fid INTEGER PRIMARY KEY, wp_fid INTEGER UNIQUE). An entry, once
// created, is never deleted — reusing a freed ID risks colliding with a
// value some other run already handed out.
package remap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lutraconsulting/wpsync/internal/ident"
	"github.com/lutraconsulting/wpsync/internal/schema"
	"github.com/lutraconsulting/wpsync/internal/sqlitedb"
)

// FirstWPID is the first WP-local ID assigned to a master row that has
// never been exported to a work package before.
const FirstWPID = 1_000_000

// tableName returns the name of the mapping relation for table/wp, already
// quoted for direct interpolation (the relation lives in the attached
// remap schema, so its fully-qualified form can't be expressed purely with
// bound parameters).
func tableName(table, wp string) string {
	return sqlitedb.RemapAlias + "." + ident.Quote(table+"_"+wp)
}

func ensureTable(ctx context.Context, conn *sql.DB, table, wp string) error {
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (master_fid INTEGER PRIMARY KEY, wp_fid INTEGER UNIQUE)`,
		tableName(table, wp),
	)
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create remap relation for %q/%q: %v", sqlitedb.ErrStorage, table, wp, err)
	}
	return nil
}

// RemapMasterToWP rewrites table's primary key column, currently holding
// master IDs, to hold the WP-local IDs recorded in (or newly assigned to)
// the mapping relation for (table, wp). Must run inside a transaction
// against a connection with the remap store attached.
func RemapMasterToWP(ctx context.Context, conn *sql.DB, table, wp string) error {
	if err := ensureTable(ctx, conn, table, wp); err != nil {
		return err
	}
	rel := tableName(table, wp)

	pkColumn, err := schema.PrimaryKey(ctx, conn, table)
	if err != nil {
		return err
	}
	pk := ident.Quote(pkColumn)
	quotedTable := ident.Quote(table)

	missing, err := missingMasterIDs(ctx, conn, table, pk, rel)
	if err != nil {
		return err
	}

	nextWPID, err := nextFreeWPID(ctx, conn, rel)
	if err != nil {
		return err
	}
	for _, masterID := range missing {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (master_fid, wp_fid) VALUES (?, ?)`, rel), masterID, nextWPID); err != nil {
			return fmt.Errorf("%w: insert mapping (%d, %d) for %q/%q: %v", sqlitedb.ErrStorage, masterID, nextWPID, table, wp, err)
		}
		nextWPID++
	}

	mapping, err := loadMapping(ctx, conn, quotedTable, pk, rel, "master_fid", "wp_fid")
	if err != nil {
		return err
	}

	if err := negateColumn(ctx, conn, quotedTable, pk); err != nil {
		return err
	}
	for _, pair := range mapping {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, quotedTable, pk, pk), pair.to, -pair.from); err != nil {
			return fmt.Errorf("%w: rewrite %q.%s %d -> %d: %v", sqlitedb.ErrStorage, table, pkColumn, pair.from, pair.to, err)
		}
	}
	return nil
}

// RemapWPToMaster is the symmetric inverse of RemapMasterToWP: it rewrites
// table's primary key column, currently holding WP-local IDs, to hold
// master IDs, assigning firstUnusedMasterID and up to any WP-originated row
// that has no mapping yet.
func RemapWPToMaster(ctx context.Context, conn *sql.DB, table, wp string, firstUnusedMasterID int64) error {
	if err := ensureTable(ctx, conn, table, wp); err != nil {
		return err
	}
	rel := tableName(table, wp)

	pkColumn, err := schema.PrimaryKey(ctx, conn, table)
	if err != nil {
		return err
	}
	pk := ident.Quote(pkColumn)
	quotedTable := ident.Quote(table)

	missing, err := missingWPIDs(ctx, conn, table, pk, rel)
	if err != nil {
		return err
	}

	nextMasterID := firstUnusedMasterID
	for _, wpID := range missing {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (master_fid, wp_fid) VALUES (?, ?)`, rel), nextMasterID, wpID); err != nil {
			return fmt.Errorf("%w: insert mapping (%d, %d) for %q/%q: %v", sqlitedb.ErrStorage, nextMasterID, wpID, table, wp, err)
		}
		nextMasterID++
	}

	mapping, err := loadMapping(ctx, conn, quotedTable, pk, rel, "wp_fid", "master_fid")
	if err != nil {
		return err
	}

	if err := negateColumn(ctx, conn, quotedTable, pk); err != nil {
		return err
	}
	for _, pair := range mapping {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, quotedTable, pk, pk), pair.to, -pair.from); err != nil {
			return fmt.Errorf("%w: rewrite %q.%s %d -> %d: %v", sqlitedb.ErrStorage, table, pkColumn, pair.from, pair.to, err)
		}
	}
	return nil
}

type idPair struct {
	from int64
	to   int64
}

// missingMasterIDs returns the distinct master IDs present in table that
// have no entry yet in rel.
func missingMasterIDs(ctx context.Context, conn *sql.DB, table, pk, rel string) ([]int64, error) {
	query := fmt.Sprintf(
		`SELECT %s.%s FROM %s LEFT JOIN %s ON %s.%s = %s.master_fid WHERE %s.wp_fid IS NULL ORDER BY %s.%s`,
		ident.Quote(table), pk, ident.Quote(table), rel, ident.Quote(table), pk, rel, rel, ident.Quote(table), pk,
	)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: find unmapped master ids in %q: %v", sqlitedb.ErrStorage, table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan unmapped master id: %v", sqlitedb.ErrStorage, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// missingWPIDs is the symmetric counterpart of missingMasterIDs.
func missingWPIDs(ctx context.Context, conn *sql.DB, table, pk, rel string) ([]int64, error) {
	query := fmt.Sprintf(
		`SELECT %s.%s FROM %s LEFT JOIN %s ON %s.%s = %s.wp_fid WHERE %s.master_fid IS NULL ORDER BY %s.%s`,
		ident.Quote(table), pk, ident.Quote(table), rel, ident.Quote(table), pk, rel, rel, ident.Quote(table), pk,
	)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: find unmapped wp ids in %q: %v", sqlitedb.ErrStorage, table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan unmapped wp id: %v", sqlitedb.ErrStorage, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// nextFreeWPID returns one past the highest wp_fid currently recorded in
// rel, or FirstWPID if the relation is empty.
func nextFreeWPID(ctx context.Context, conn *sql.DB, rel string) (int64, error) {
	var max sql.NullInt64
	if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT max(wp_fid) FROM %s`, rel)).Scan(&max); err != nil {
		return 0, fmt.Errorf("%w: max wp_fid in %s: %v", sqlitedb.ErrStorage, rel, err)
	}
	if !max.Valid {
		return FirstWPID, nil
	}
	return max.Int64 + 1, nil
}

// loadMapping joins table against rel on fromColumn (the column currently
// holding table's primary key value) and returns the (current, mapped)
// pairs for every row, driven by fromColumn/toColumn naming the join and
// projection sides of rel.
func loadMapping(ctx context.Context, conn *sql.DB, quotedTable, pk, rel, fromColumn, toColumn string) ([]idPair, error) {
	query := fmt.Sprintf(
		`SELECT %s.%s, mapped.%s FROM %s LEFT JOIN %s AS mapped ON %s.%s = mapped.%s`,
		quotedTable, pk, toColumn, quotedTable, rel, quotedTable, pk, fromColumn,
	)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: load mapping via %s: %v", sqlitedb.ErrStorage, rel, err)
	}
	defer rows.Close()

	var pairs []idPair
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("%w: scan mapping row: %v", sqlitedb.ErrStorage, err)
		}
		pairs = append(pairs, idPair{from: from, to: to})
	}
	return pairs, rows.Err()
}

// negateColumn flips every value in table's primary key column to its
// negative, opening a collision-free staging space for the remap below:
// the positive IDs about to be assigned never intersect the now-negative
// current ones.
func negateColumn(ctx context.Context, conn *sql.DB, quotedTable, pk string) error {
	stmt := fmt.Sprintf(`UPDATE %s SET %s = -%s`, quotedTable, pk, pk)
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: negate %s.%s: %v", sqlitedb.ErrStorage, quotedTable, pk, err)
	}
	return nil
}
