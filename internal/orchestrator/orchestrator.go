// Package orchestrator coordinates the two-stage merge/split algorithm
// across a workspace's base/input/output/tmp directories: Stage 1 imports
// edits made in previously-known work packages back into the master
// container, Stage 2 regenerates every configured work package from the
// merged master.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/lutraconsulting/wpsync/internal/changeset"
	"github.com/lutraconsulting/wpsync/internal/config"
	"github.com/lutraconsulting/wpsync/internal/filter"
	"github.com/lutraconsulting/wpsync/internal/ident"
	"github.com/lutraconsulting/wpsync/internal/remap"
	"github.com/lutraconsulting/wpsync/internal/schema"
	"github.com/lutraconsulting/wpsync/internal/sqlitedb"
	"github.com/lutraconsulting/wpsync/internal/workspace"
)

// ErrWorkspaceInvariant is raised in the Prelude when base/ holds
// work-package files without a remap.db, or a remap.db without any
// work-package files.
var ErrWorkspaceInvariant = errors.New("workspace invariant violation")

// ConflictReport names a work package whose Stage 1 rebase produced a
// conflicts artefact, and where to find it. It is never an error value.
type ConflictReport struct {
	WorkPackage string
	Path        string
}

// Result summarizes one completed run: per-container row counts (for the
// completion log line and for callers that want to assert on them without
// re-reading the containers) and every conflicts report Stage 1 produced.
type Result struct {
	RunID             string
	MasterCounts      map[string]int64
	WorkPackageCounts map[string]map[string]int64
	Conflicts         []ConflictReport
}

// Run executes one full merge/split cycle against the workspace at root.
func Run(ctx context.Context, root string, cfg *config.Config, engine changeset.Engine) (*Result, error) {
	runID := uuid.New().String()
	slog.Info("run starting", "run_id", runID, "root", root)

	layout, err := workspace.Resolve(root)
	if err != nil {
		return nil, err
	}
	if err := layout.PreparePrelude(); err != nil {
		return nil, err
	}

	oldWPs, err := layout.OldWorkPackages()
	if err != nil {
		return nil, err
	}
	remapExistedInBase, err := layout.RemapDBExistsInBase()
	if err != nil {
		return nil, err
	}
	if (len(oldWPs) == 0) == remapExistedInBase {
		return nil, fmt.Errorf("%w: base/ has %d known work package(s) but remap.db present=%v", ErrWorkspaceInvariant, len(oldWPs), remapExistedInBase)
	}

	inputMaster := filepath.Join(layout.Input, workspace.MasterFilename)
	outputMaster := filepath.Join(layout.Output, workspace.MasterFilename)
	if err := workspace.CopyFile(inputMaster, outputMaster); err != nil {
		return nil, err
	}

	baseMaster := filepath.Join(layout.Base, workspace.MasterFilename)
	baseMasterExisted := workspace.FileExists(baseMaster)

	outputRemap := filepath.Join(layout.Output, workspace.RemapFilename)
	if remapExistedInBase {
		if err := workspace.CopyFile(filepath.Join(layout.Base, workspace.RemapFilename), outputRemap); err != nil {
			return nil, err
		}
	}

	result := &Result{
		RunID:             runID,
		MasterCounts:      map[string]int64{},
		WorkPackageCounts: map[string]map[string]int64{},
	}

	for _, wp := range oldWPs {
		conflict, err := runStageOneWorkPackage(ctx, layout, cfg, engine, outputMaster, outputRemap, baseMaster, wp)
		if err != nil {
			return nil, fmt.Errorf("stage 1 work package %q: %w", wp, err)
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
		}
	}

	for _, wp := range cfg.WorkPackages {
		counts, err := runStageTwoWorkPackage(ctx, layout, cfg, engine, outputMaster, outputRemap, wp)
		if err != nil {
			return nil, fmt.Errorf("stage 2 work package %q: %w", wp.Name, err)
		}
		result.WorkPackageCounts[wp.Name] = counts
	}

	if err := writeDiagnosticChangeset(ctx, engine, inputMaster, outputMaster,
		filepath.Join(layout.Output, "master-input-output.diff"),
		filepath.Join(layout.Output, "master-input-output.json")); err != nil {
		return nil, fmt.Errorf("master input/output diagnostic: %w", err)
	}
	if baseMasterExisted {
		if err := writeDiagnosticChangeset(ctx, engine, baseMaster, outputMaster,
			filepath.Join(layout.Output, "master-base-output.diff"),
			filepath.Join(layout.Output, "master-base-output.json")); err != nil {
			return nil, fmt.Errorf("master base/output diagnostic: %w", err)
		}
	}

	masterCounts, err := readTableCounts(ctx, outputMaster, cfg.Tables)
	if err != nil {
		return nil, fmt.Errorf("count master rows: %w", err)
	}
	result.MasterCounts = masterCounts

	logCompletion(result, cfg)
	return result, nil
}

func logCompletion(result *Result, cfg *config.Config) {
	for _, table := range cfg.Tables {
		slog.Info("master table row count", "run_id", result.RunID, "table", table.Name,
			"rows", humanize.Comma(result.MasterCounts[table.Name]))
	}
	for _, wp := range cfg.WorkPackages {
		for _, table := range cfg.Tables {
			slog.Info("work package table row count", "run_id", result.RunID, "work_package", wp.Name,
				"table", table.Name, "rows", humanize.Comma(result.WorkPackageCounts[wp.Name][table.Name]))
		}
	}
	if len(result.Conflicts) > 0 {
		slog.Warn("run completed with conflicts", "run_id", result.RunID, "count", len(result.Conflicts))
	}
}

// computeNextMasterIDs opens masterPath once and returns, per configured
// table, one past its current maximum primary key (or 1 if the table is
// empty) — the starting point §4.3 B requires for newly WP-originated rows.
func computeNextMasterIDs(ctx context.Context, masterPath string, tables []config.Table) (map[string]int64, error) {
	conn, err := sqlitedb.Open(ctx, masterPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	next := make(map[string]int64, len(tables))
	for _, table := range tables {
		pk, err := schema.PrimaryKey(ctx, conn, table.Name)
		if err != nil {
			return nil, err
		}
		max, err := sqlitedb.MaxPrimaryKey(ctx, conn, table.Name, pk)
		if err != nil {
			return nil, err
		}
		next[table.Name] = max + 1
	}
	return next, nil
}

// remapWPToMasterAll attaches the remap store to path and rewrites every
// configured table's primary key from WP-local to master numbering, using
// the same per-table nextMasterID values across both the base and input
// copies of a work package so they remap identically.
func remapWPToMasterAll(ctx context.Context, path, remapPath string, tables []config.Table, wp string, nextMasterID map[string]int64) error {
	conn, err := sqlitedb.Open(ctx, path)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sqlitedb.AttachRemap(ctx, conn, remapPath); err != nil {
		return err
	}
	return sqlitedb.WithTransaction(ctx, conn, func(ctx context.Context, conn *sql.DB) error {
		for _, table := range tables {
			if err := remap.RemapWPToMaster(ctx, conn, table.Name, wp, nextMasterID[table.Name]); err != nil {
				return err
			}
		}
		return nil
	})
}

func runStageOneWorkPackage(ctx context.Context, layout workspace.Layout, cfg *config.Config, engine changeset.Engine,
	outputMaster, outputRemap, baseMaster, wp string) (*ConflictReport, error) {

	nextMasterID, err := computeNextMasterIDs(ctx, outputMaster, cfg.Tables)
	if err != nil {
		return nil, err
	}

	tmpBase := filepath.Join(layout.Tmp, wp+"-base.gpkg")
	tmpInput := filepath.Join(layout.Tmp, wp+"-input.gpkg")
	if err := workspace.CopyFile(filepath.Join(layout.Base, wp+".gpkg"), tmpBase); err != nil {
		return nil, err
	}
	if err := workspace.CopyFile(filepath.Join(layout.Input, wp+".gpkg"), tmpInput); err != nil {
		return nil, err
	}

	for _, path := range []string{tmpBase, tmpInput} {
		if err := remapWPToMasterAll(ctx, path, outputRemap, cfg.Tables, wp, nextMasterID); err != nil {
			return nil, err
		}
	}

	wpDiff := filepath.Join(layout.Tmp, wp+"-wp.diff")
	if err := engine.CreateChangeset(ctx, tmpBase, tmpInput, wpDiff); err != nil {
		return nil, err
	}
	masterDiffSinceBaseWP := filepath.Join(layout.Tmp, wp+"-master-since-base.diff")
	if err := engine.CreateChangeset(ctx, tmpBase, outputMaster, masterDiffSinceBaseWP); err != nil {
		return nil, err
	}

	rebasedDiff := filepath.Join(layout.Tmp, wp+"-rebased.diff")
	conflictsJSON := filepath.Join(layout.Output, wp+"-conflicts.json")
	rebased, err := engine.CreateRebasedChangeset(ctx, baseMaster, wpDiff, masterDiffSinceBaseWP, rebasedDiff, conflictsJSON)
	if err != nil {
		return nil, err
	}
	var conflict *ConflictReport
	if info, statErr := os.Stat(conflictsJSON); statErr == nil && info.Size() > 0 {
		conflict = &ConflictReport{WorkPackage: wp, Path: conflictsJSON}
	}
	if !rebased {
		slog.Info("no WP-side changes to import", "work_package", wp)
		return conflict, nil
	}

	if err := engine.ApplyChangeset(ctx, outputMaster, rebasedDiff); err != nil {
		return nil, err
	}
	return conflict, nil
}

func runStageTwoWorkPackage(ctx context.Context, layout workspace.Layout, cfg *config.Config, engine changeset.Engine,
	outputMaster, outputRemap string, wp config.WorkPackage) (map[string]int64, error) {

	outWP := filepath.Join(layout.Output, wp.Name+".gpkg")
	if err := workspace.CopyFile(outputMaster, outWP); err != nil {
		return nil, err
	}

	conn, err := sqlitedb.Open(ctx, outWP)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := sqlitedb.AttachRemap(ctx, conn, outputRemap); err != nil {
		return nil, err
	}

	err = sqlitedb.WithTransaction(ctx, conn, func(ctx context.Context, conn *sql.DB) error {
		for _, table := range cfg.Tables {
			if err := filter.Apply(ctx, conn, table, wp.Value); err != nil {
				return err
			}
			if err := remap.RemapMasterToWP(ctx, conn, table.Name, wp.Name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := sqlitedb.Vacuum(ctx, conn); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(cfg.Tables))
	for _, table := range cfg.Tables {
		n, err := countRows(ctx, conn, table.Name)
		if err != nil {
			return nil, err
		}
		counts[table.Name] = n
	}

	inputWP := filepath.Join(layout.Input, wp.Name+".gpkg")
	if workspace.FileExists(inputWP) {
		diagDiff := filepath.Join(layout.Output, wp.Name+"-input-output.diff")
		if err := engine.CreateChangeset(ctx, inputWP, outWP, diagDiff); err != nil {
			return nil, err
		}
	}

	return counts, nil
}

func writeDiagnosticChangeset(ctx context.Context, engine changeset.Engine, oldDB, newDB, diffPath, summaryPath string) error {
	if err := engine.CreateChangeset(ctx, oldDB, newDB, diffPath); err != nil {
		return err
	}
	return engine.ListChanges(ctx, diffPath, summaryPath)
}

func countRows(ctx context.Context, conn *sql.DB, table string) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, ident.Quote(table))
	if err := conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count rows in %q: %v", sqlitedb.ErrStorage, table, err)
	}
	return n, nil
}

func readTableCounts(ctx context.Context, dbPath string, tables []config.Table) (map[string]int64, error) {
	conn, err := sqlitedb.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		n, err := countRows(ctx, conn, table.Name)
		if err != nil {
			return nil, err
		}
		counts[table.Name] = n
	}
	return counts, nil
}
