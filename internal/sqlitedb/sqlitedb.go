// Package sqlitedb opens the SQLite-backed containers (GeoPackage master
// and work-package files, and the remap store) this module operates on, and
// provides the handful of connection-scoped primitives the orchestrator
// needs: attaching the remap store under a fixed alias, and running
// transactions around the remap/filter rewrites.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lutraconsulting/wpsync/internal/ident"

	_ "modernc.org/sqlite"
)

// ErrStorage wraps every database or file I/O failure surfaced by this
// package.
var ErrStorage = errors.New("storage error")

// RemapAlias is the fixed name the remap store is attached under whenever a
// target container needs to rewrite its primary keys against it.
const RemapAlias = "remap"

// Open opens a single connection to the SQLite file at path. Exactly one
// connection is ever held open against a given file at a time, matching the
// single-writer discipline the orchestrator requires of its workspace.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrStorage, path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ping %q: %v", ErrStorage, path, err)
	}
	return conn, nil
}

// AttachRemap attaches the remap store at remapPath under RemapAlias on an
// already-open connection. The caller owns the transaction that follows.
func AttachRemap(ctx context.Context, conn *sql.DB, remapPath string) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE ? AS %s", RemapAlias), remapPath)
	if err != nil {
		return fmt.Errorf("%w: attach remap store %q: %v", ErrStorage, remapPath, err)
	}
	return nil
}

// WithTransaction runs fn inside a BEGIN/COMMIT pair on conn, rolling back
// on any error fn returns.
func WithTransaction(ctx context.Context, conn *sql.DB, fn func(ctx context.Context, conn *sql.DB) error) error {
	if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrStorage, err)
	}
	if err := fn(ctx, conn); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			return fmt.Errorf("%w: rollback after %v: %v", ErrStorage, err, rbErr)
		}
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", ErrStorage, err)
	}
	return nil
}

// Vacuum reclaims space on conn. It must run outside any open transaction;
// SQLite rejects VACUUM otherwise.
func Vacuum(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("%w: vacuum: %v", ErrStorage, err)
	}
	return nil
}

// MaxPrimaryKey returns the highest value currently stored in table's
// primary-key column, or zero if the table is empty.
func MaxPrimaryKey(ctx context.Context, conn *sql.DB, table, pkColumn string) (int64, error) {
	var max sql.NullInt64
	query := fmt.Sprintf("SELECT max(%s) FROM %s", ident.Quote(pkColumn), ident.Quote(table))
	if err := conn.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("%w: max(%s) over %q: %v", ErrStorage, pkColumn, table, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}
