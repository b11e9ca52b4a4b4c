package secondary

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// ErrShellUnsupported is returned by DirectRunner.Run: a direct database
// connection has no shell to execute commands in. Callers fall back to the
// administrative API for configuration reloads.
var ErrShellUnsupported = &RemoteExecError{Detail: "shell commands are not available over a direct database connection"}

// DirectRunner executes SQL against the PBX database over a plain TCP
// connection, for deployments where the database port is reachable without
// the SSH hop.
type DirectRunner struct {
	db *sql.DB
}

// NewDirectRunner opens a connection pool against the PBX database.
func NewDirectRunner(host string, port int, user, password, dbname string) (*DirectRunner, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", user, password, host, port, dbname)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pbx database: %w", err)
	}
	return &DirectRunner{db: db}, nil
}

// Close releases the connection pool.
func (r *DirectRunner) Close() error { return r.db.Close() }

// Run always fails: see ErrShellUnsupported.
func (r *DirectRunner) Run(ctx context.Context, command string) (string, error) {
	return "", ErrShellUnsupported
}

// RunSQL executes one statement. Row-returning statements come back in the
// same tab-separated shape the mysql CLI produces with -N -B, so callers
// parse output identically on both runners.
func (r *DirectRunner) RunSQL(ctx context.Context, stmt string) (string, error) {
	keyword := strings.ToUpper(firstWord(stmt))
	if keyword == "SELECT" || keyword == "SHOW" {
		rows, err := r.db.QueryContext(ctx, stmt)
		if err != nil {
			return "", &RemoteExecError{Detail: truncate(err.Error(), errDetailLimit)}
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return "", &RemoteExecError{Detail: truncate(err.Error(), errDetailLimit)}
		}
		var b strings.Builder
		values := make([]sql.RawBytes, len(cols))
		scan := make([]interface{}, len(cols))
		for i := range values {
			scan[i] = &values[i]
		}
		for rows.Next() {
			if err := rows.Scan(scan...); err != nil {
				return "", &RemoteExecError{Detail: truncate(err.Error(), errDetailLimit)}
			}
			fields := make([]string, len(values))
			for i, v := range values {
				fields[i] = string(v)
			}
			b.WriteString(strings.Join(fields, "\t"))
			b.WriteByte('\n')
		}
		if err := rows.Err(); err != nil {
			return "", &RemoteExecError{Detail: truncate(err.Error(), errDetailLimit)}
		}
		return b.String(), nil
	}

	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return "", &RemoteExecError{Detail: truncate(err.Error(), errDetailLimit)}
	}
	return "", nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
