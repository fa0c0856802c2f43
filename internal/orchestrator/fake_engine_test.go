package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/lutraconsulting/wpsync/internal/ident"
	"github.com/lutraconsulting/wpsync/internal/schema"
	"github.com/lutraconsulting/wpsync/internal/sqlitedb"
)

// fakeEngine is a row-level stand-in for the real geodiff-backed engine,
// used only by this package's tests. It computes and applies diffs by
// reading and writing whole tables through database/sql, rather than the
// container format's binary changeset encoding geodiff actually uses; the
// row-level semantics (insert/update/delete, rebase conflict resolution)
// match what the orchestrator requires of any Engine.
type fakeEngine struct{}

type fakeRowChange struct {
	PK     int64
	Op     string         // "insert", "update", "delete"
	Values map[string]any `json:",omitempty"`
}

type fakeTableDiff struct {
	Table   string
	Columns []string
	Changes []fakeRowChange
}

type fakeConflict struct {
	Table string
	PK    int64
	Kind  string
}

func (fakeEngine) CreateChangeset(ctx context.Context, oldDB, newDB, diffOut string) error {
	diff, err := computeFakeDiff(ctx, oldDB, newDB)
	if err != nil {
		return err
	}
	return writeFakeDiff(diffOut, diff)
}

func (fakeEngine) ApplyChangeset(ctx context.Context, dbPath, diffFile string) error {
	diff, err := readFakeDiff(diffFile)
	if err != nil {
		return err
	}
	conn, err := sqlitedb.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return applyFakeDiff(ctx, conn, diff)
}

func (fakeEngine) CreateRebasedChangeset(ctx context.Context, baseDB, theirDiff, ourDiff, rebasedOut, conflictsOut string) (bool, error) {
	their, err := readFakeDiff(theirDiff)
	if err != nil {
		return false, err
	}
	our, err := readFakeDiff(ourDiff)
	if err != nil {
		return false, err
	}

	ourByTable := map[string]map[int64]fakeRowChange{}
	for _, td := range our {
		byPK := make(map[int64]fakeRowChange, len(td.Changes))
		for _, c := range td.Changes {
			byPK[c.PK] = c
		}
		ourByTable[td.Table] = byPK
	}

	// their is the incoming diff being imported (rebased on top of ours,
	// which the target database already reflects); walk their changes and
	// resolve each one against whatever ours already did to the same row.
	var rebased []fakeTableDiff
	var conflicts []fakeConflict
	for _, td := range their {
		ourByPK := ourByTable[td.Table]
		var kept []fakeRowChange
		for _, change := range td.Changes {
			ourChange, hasOur := ourByPK[change.PK]
			switch {
			case !hasOur:
				kept = append(kept, change)
			case change.Op == "delete" && ourChange.Op == "delete":
				// both sides deleted the same row: absent, not a conflict.
			case change.Op == "update" && ourChange.Op == "update":
				conflicts = append(conflicts, fakeConflict{Table: td.Table, PK: change.PK, Kind: "update-update"})
				kept = append(kept, change) // their (incoming) update wins
			case change.Op == "update" && ourChange.Op == "delete":
				conflicts = append(conflicts, fakeConflict{Table: td.Table, PK: change.PK, Kind: "update-delete"})
				// our delete wins: drop their update.
			default:
				kept = append(kept, change)
			}
		}
		if len(kept) > 0 {
			rebased = append(rebased, fakeTableDiff{Table: td.Table, Columns: td.Columns, Changes: kept})
		}
	}

	if len(conflicts) > 0 {
		data, err := json.MarshalIndent(conflicts, "", "  ")
		if err != nil {
			return false, fmt.Errorf("marshal conflicts: %w", err)
		}
		if err := os.WriteFile(conflictsOut, data, 0o644); err != nil {
			return false, fmt.Errorf("write conflicts: %w", err)
		}
	}
	if len(rebased) == 0 {
		return false, nil
	}
	if err := writeFakeDiff(rebasedOut, rebased); err != nil {
		return false, err
	}
	return true, nil
}

func (fakeEngine) ListChanges(ctx context.Context, diffFile, summaryOut string) error {
	diff, err := readFakeDiff(diffFile)
	if err != nil {
		return err
	}
	total := 0
	for _, td := range diff {
		total += len(td.Changes)
	}
	data, err := json.MarshalIndent(map[string]int{"changes": total}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return os.WriteFile(summaryOut, data, 0o644)
}

func writeFakeDiff(path string, diff []fakeTableDiff) error {
	data, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write diff %q: %w", path, err)
	}
	return nil
}

func readFakeDiff(path string) ([]fakeTableDiff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diff %q: %w", path, err)
	}
	var diff []fakeTableDiff
	if err := json.Unmarshal(data, &diff); err != nil {
		return nil, fmt.Errorf("unmarshal diff %q: %w", path, err)
	}
	return diff, nil
}

func computeFakeDiff(ctx context.Context, oldDB, newDB string) ([]fakeTableDiff, error) {
	newConn, err := sqlitedb.Open(ctx, newDB)
	if err != nil {
		return nil, err
	}
	defer newConn.Close()

	tables, err := listUserTables(ctx, newConn)
	if err != nil {
		return nil, err
	}

	var diffs []fakeTableDiff
	for _, table := range tables {
		pk, err := schema.PrimaryKey(ctx, newConn, table)
		if err != nil {
			return nil, err
		}
		newCols, newRows, err := readFakeRows(ctx, newConn, table, pk)
		if err != nil {
			return nil, err
		}

		var oldRows map[int64]map[string]any
		if fileHasTable(ctx, oldDB, table) {
			oldConn, err := sqlitedb.Open(ctx, oldDB)
			if err != nil {
				return nil, err
			}
			_, oldRows, err = readFakeRows(ctx, oldConn, table, pk)
			oldConn.Close()
			if err != nil {
				return nil, err
			}
		}

		var changes []fakeRowChange
		for pk := range oldRows {
			if _, ok := newRows[pk]; !ok {
				changes = append(changes, fakeRowChange{PK: pk, Op: "delete"})
			}
		}
		for pk, row := range newRows {
			old, existed := oldRows[pk]
			if !existed {
				changes = append(changes, fakeRowChange{PK: pk, Op: "insert", Values: row})
			} else if !reflect.DeepEqual(old, row) {
				changes = append(changes, fakeRowChange{PK: pk, Op: "update", Values: row})
			}
		}
		if len(changes) > 0 {
			diffs = append(diffs, fakeTableDiff{Table: table, Columns: newCols, Changes: changes})
		}
	}
	return diffs, nil
}

func fileHasTable(ctx context.Context, dbPath, table string) bool {
	conn, err := sqlitedb.Open(ctx, dbPath)
	if err != nil {
		return false
	}
	defer conn.Close()
	var n int
	err = conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	return err == nil && n > 0
}

func listUserTables(ctx context.Context, conn *sql.DB) ([]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func readFakeRows(ctx context.Context, conn *sql.DB, table, pk string) ([]string, map[int64]map[string]any, error) {
	query := fmt.Sprintf(`SELECT * FROM %s`, ident.Quote(table))
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("read %q: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	pkIndex := -1
	for i, c := range cols {
		if c == pk {
			pkIndex = i
		}
	}
	if pkIndex < 0 {
		return nil, nil, fmt.Errorf("column %q not found in %q", pk, table)
	}

	result := map[int64]map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		pkVal, ok := values[pkIndex].(int64)
		if !ok {
			return nil, nil, fmt.Errorf("primary key %q in %q is not an integer", pk, table)
		}
		result[pkVal] = row
	}
	return cols, result, rows.Err()
}

func applyFakeDiff(ctx context.Context, conn *sql.DB, diff []fakeTableDiff) error {
	for _, td := range diff {
		pk, err := schema.PrimaryKey(ctx, conn, td.Table)
		if err != nil {
			return err
		}
		for _, change := range td.Changes {
			if change.Op == "delete" {
				stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, ident.Quote(td.Table), ident.Quote(pk))
				if _, err := conn.ExecContext(ctx, stmt, change.PK); err != nil {
					return fmt.Errorf("apply delete %s/%d: %w", td.Table, change.PK, err)
				}
				continue
			}
			cols := make([]string, 0, len(change.Values))
			placeholders := make([]string, 0, len(change.Values))
			args := make([]any, 0, len(change.Values))
			for _, c := range td.Columns {
				v, ok := change.Values[c]
				if !ok {
					continue
				}
				cols = append(cols, ident.Quote(c))
				placeholders = append(placeholders, "?")
				args = append(args, v)
			}
			stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
				ident.Quote(td.Table), strings.Join(cols, ","), strings.Join(placeholders, ","))
			if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("apply %s %s/%d: %w", change.Op, td.Table, change.PK, err)
			}
		}
	}
	return nil
}
