package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	ErrUnknownAlias     = errors.New("unknown alias")
	ErrNotConnected     = errors.New("not connected")
	ErrNoTransaction    = errors.New("no open transaction")
	ErrTransactionOpen  = errors.New("transaction already open")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ConnectError reports a failed connect or reconnect attempt.
type ConnectError struct {
	User     string
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s as %s: %v", e.Endpoint, e.User, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Session is a single live session to a database server.
type Session interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// Query runs a statement that returns rows.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	// Begin opens a transaction on the session.
	Begin(ctx context.Context) (Tx, error)

	// Prepare creates a prepared statement.
	Prepare(ctx context.Context, query string) (Stmt, error)

	// Ping verifies the session is alive.
	Ping(ctx context.Context) error

	// Close tears the session down.
	Close() error
}

// Rows is the row cursor handed back to callers.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Tx is an open transaction on a session.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// Stmt is a prepared statement bound to a session.
type Stmt interface {
	Exec(ctx context.Context, args ...any) (sql.Result, error)
	Query(ctx context.Context, args ...any) (Rows, error)
	Close() error
}

// Dialer establishes a Session for a driver DSN.
type Dialer func(ctx context.Context, dsn string) (Session, error)

// Statements issued by the engine itself.
const (
	// Every fresh session gets unrestricted result-set sizes.
	stmtSessionBootstrap = "SET SESSION SQL_BIG_SELECTS=1"

	// Cheap liveness probe for keep-alive checks.
	stmtLivenessProbe = "SELECT 1"
)

var quoteReplacer = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\x00", `\0`,
	"\n", `\n`,
	"\r", `\r`,
	"\x1a", `\Z`,
)

// Quote returns s as a single-quoted SQL string literal with special
// characters escaped.
func Quote(s string) string {
	return "'" + quoteReplacer.Replace(s) + "'"
}

// quoteIdent wraps an identifier in backticks.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// isIdent reports whether name is a plain identifier (letters, digits,
// underscores and dots), safe to splice into SET/SELECT statements.
func isIdent(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
