package connection

import (
	"context"
	"database/sql"

	"github.com/dbmux/dbmux/internal/database"
)

// DialMySQL establishes a pinned single-session MySQL connection.
// It is the production Dialer; tests inject their own.
func DialMySQL(ctx context.Context, dsn string) (Session, error) {
	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &sqlSession{db: db}, nil
}

// sqlSession adapts a pinned *sql.DB to the Session interface.
type sqlSession struct {
	db *sql.DB
}

func (s *sqlSession) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlSession) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlSession) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlSession) Prepare(ctx context.Context, query string) (Stmt, error) {
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &sqlStmt{stmt: stmt}, nil
}

func (s *sqlSession) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlSession) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

type sqlStmt struct {
	stmt *sql.Stmt
}

func (s *sqlStmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	return s.stmt.ExecContext(ctx, args...)
}

func (s *sqlStmt) Query(ctx context.Context, args ...any) (Rows, error) {
	return s.stmt.QueryContext(ctx, args...)
}

func (s *sqlStmt) Close() error { return s.stmt.Close() }
