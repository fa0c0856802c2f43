package changeset

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CLIEngine shells out to the geodiff binary for every Engine operation,
// the same exec.Command-wrapping shape used elsewhere in this module's
// ancestry to drive an external command-line tool: one unexported runner
// builds the process, captures stderr for diagnostics, and every exported
// method is a thin argument-list wrapper around it.
type CLIEngine struct {
	// BinaryPath is the geodiff executable to invoke. Defaults to "geodiff"
	// on PATH when empty.
	BinaryPath string
}

func (e CLIEngine) binary() string {
	if e.BinaryPath != "" {
		return e.BinaryPath
	}
	return "geodiff"
}

func (e CLIEngine) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.binary(), args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		op := strings.Join(args, " ")
		if stderr.Len() > 0 {
			return fmt.Errorf("%w: geodiff %s: %s", ErrChangeset, op, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("%w: geodiff %s: %v", ErrChangeset, op, err)
	}
	return nil
}

// CreateChangeset runs `geodiff createChangeset <oldDB> <newDB> <diffOut>`.
func (e CLIEngine) CreateChangeset(ctx context.Context, oldDB, newDB, diffOut string) error {
	return e.run(ctx, "createChangeset", oldDB, newDB, diffOut)
}

// ApplyChangeset runs `geodiff applyChangeset <db> <diffFile>`.
func (e CLIEngine) ApplyChangeset(ctx context.Context, db, diffFile string) error {
	return e.run(ctx, "applyChangeset", db, diffFile)
}

// CreateRebasedChangeset runs
// `geodiff createRebasedChangeset <baseDB> <theirDiff> <ourDiff> <rebasedOut> <conflictsOut>`.
// geodiff writes no rebasedOut file when there is nothing left to apply
// after rebasing; that is not an error, just an empty result.
func (e CLIEngine) CreateRebasedChangeset(ctx context.Context, baseDB, theirDiff, ourDiff, rebasedOut, conflictsOut string) (bool, error) {
	if err := e.run(ctx, "createRebasedChangeset", baseDB, theirDiff, ourDiff, rebasedOut, conflictsOut); err != nil {
		return false, err
	}
	info, err := os.Stat(rebasedOut)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat rebased diff %q: %v", ErrChangeset, rebasedOut, err)
	}
	return info.Size() > 0, nil
}

// ListChanges runs `geodiff listChanges <diffFile> <summaryOut>`.
func (e CLIEngine) ListChanges(ctx context.Context, diffFile, summaryOut string) error {
	return e.run(ctx, "listChanges", diffFile, summaryOut)
}

var _ Engine = CLIEngine{}
