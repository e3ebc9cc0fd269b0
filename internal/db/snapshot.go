package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Execer runs a statement without returning rows. Both Pool and *sql.DB
// adapters satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// SnapshotStatements returns the statements that replace the snapshot table
// <table>_bak_<suffix> with a full copy of table. Running them twice with the
// same suffix keeps only the latest copy.
func SnapshotStatements(table, suffix string) ([]string, error) {
	if table == "" {
		return nil, eris.New("db: snapshot: no table specified")
	}
	if suffix == "" {
		return nil, eris.New("db: snapshot: no suffix specified")
	}
	target := SnapshotName(table, suffix)
	return []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", SanitizeTable(target)),
		fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", SanitizeTable(target), SanitizeTable(table)),
	}, nil
}

// SnapshotName is the snapshot table name for table at suffix.
func SnapshotName(table, suffix string) string {
	return fmt.Sprintf("%s_bak_%s", table, suffix)
}

// Snapshot copies each table into a dated snapshot table.
func Snapshot(ctx context.Context, ex Execer, suffix string, tables ...string) error {
	for _, table := range tables {
		stmts, err := SnapshotStatements(table, suffix)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := ex.Exec(ctx, stmt); err != nil {
				return eris.Wrapf(err, "db: snapshot %s", table)
			}
		}
	}
	return nil
}

// PoolExecer adapts a Pool to Execer.
type PoolExecer struct {
	Pool Pool
}

// Exec implements Execer.
func (p PoolExecer) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.Pool.Exec(ctx, sql, args...)
	return err
}

// SanitizeTable handles schema-qualified table names like "truth.orders".
func SanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}
