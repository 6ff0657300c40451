package conn

import (
	"context"
	"database/sql"
	"fmt"
)

type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// IntegrityCheck runs PRAGMA integrity_check and returns the problems SQLite
// reports, at most maxErrors of them. An intact database returns none.
func IntegrityCheck(ctx context.Context, q rowsQuerier, maxErrors int) ([]string, error) {
	if maxErrors < 1 {
		maxErrors = 10
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA integrity_check(%d)", maxErrors))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	return problems, rows.Err()
}
