// Package changeset defines the three-way diff/apply/rebase contract the
// orchestrator drives, and ships a CLIEngine adapter that shells out to the
// geodiff command-line tool, the reference implementation of that contract
// over the GeoPackage container format.
package changeset

import (
	"context"
	"errors"
)

// ErrChangeset wraps every failure the external diff engine reports.
var ErrChangeset = errors.New("changeset error")

// Engine is the black-box three-way diff/apply/rebase dependency the
// orchestrator is built against. Implementations never see the filter or
// remap logic; they operate purely on container file paths.
type Engine interface {
	// CreateChangeset computes the row-level difference between oldDB and
	// newDB and writes it to diffOut.
	CreateChangeset(ctx context.Context, oldDB, newDB, diffOut string) error

	// ApplyChangeset applies diffFile to db in place.
	ApplyChangeset(ctx context.Context, db, diffFile string) error

	// CreateRebasedChangeset rebases theirDiff — the incoming changeset
	// being imported — on top of ourDiff, the changeset already reflected
	// in the database theirDiff's output will be applied to. Both are
	// computed against baseDB. The result is written to rebasedOut and any
	// conflicts to conflictsOut. rebased is false when the engine produced
	// no output diff (there was nothing left to apply after rebasing).
	CreateRebasedChangeset(ctx context.Context, baseDB, theirDiff, ourDiff, rebasedOut, conflictsOut string) (rebased bool, err error)

	// ListChanges writes a human/diagnostic summary of diffFile to
	// summaryOut. Diagnostic only; the orchestrator never branches on it.
	ListChanges(ctx context.Context, diffFile, summaryOut string) error
}
