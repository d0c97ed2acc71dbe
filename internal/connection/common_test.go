package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/dbmux/dbmux/internal/config"
)

var errServerGone = errors.New("server has gone away")

// fakeResult implements sql.Result.
type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

// fakeRows yields a fixed set of single-column string values.
type fakeRows struct {
	values []string
	pos    int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.values) {
		return errors.New("scan without next")
	}
	switch d := dest[0].(type) {
	case *string:
		*d = r.values[r.pos-1]
	case *int64:
		fmt.Sscanf(r.values[r.pos-1], "%d", d)
	default:
		return fmt.Errorf("unsupported scan dest %T", dest[0])
	}
	return nil
}

func (r *fakeRows) Close() error { r.closed = true; return nil }
func (r *fakeRows) Err() error   { return nil }

// fakeTx records commit/rollback on its session.
type fakeTx struct {
	s *fakeSession
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.execs = append(t.s.execs, query)
	return fakeResult{}, nil
}

func (t *fakeTx) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.rollbacks++
	return nil
}

// fakeSession simulates one server session. It tracks the selected
// database through USE statements and can be told to fail the next N
// statements or all of them.
type fakeSession struct {
	mu        sync.Mutex
	db        string
	execs     []string
	failNext  int
	failAll   bool
	failStmt  string // fail only this exact statement
	closed    bool
	commits   int
	rollbacks int
}

func (s *fakeSession) statement(query string) error {
	if s.closed {
		return errServerGone
	}
	if s.failAll || s.failNext > 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		return errServerGone
	}
	if s.failStmt != "" && query == s.failStmt {
		return errServerGone
	}
	s.execs = append(s.execs, query)
	if db, ok := strings.CutPrefix(query, "USE `"); ok {
		s.db = strings.TrimSuffix(db, "`")
	}
	return nil
}

func (s *fakeSession) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.statement(query); err != nil {
		return nil, err
	}
	return fakeResult{}, nil
}

func (s *fakeSession) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.statement(query); err != nil {
		return nil, err
	}
	switch query {
	case "SELECT DATABASE()":
		return &fakeRows{values: []string{s.db}}, nil
	case stmtLivenessProbe:
		return &fakeRows{values: []string{"1"}}, nil
	default:
		return &fakeRows{}, nil
	}
}

func (s *fakeSession) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failAll {
		return nil, errServerGone
	}
	return &fakeTx{s: s}, nil
}

func (s *fakeSession) Prepare(ctx context.Context, query string) (Stmt, error) {
	return nil, errors.New("prepare not supported by fake")
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failAll {
		return errServerGone
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// fakeDialer hands out a fresh fakeSession per dial and records every
// dial so tests can count reconnects.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    []string
	failUser string // dials for DSNs with this user fail
	prepare  func(*fakeSession)
}

func (d *fakeDialer) dial(ctx context.Context, dsn string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	d.dials = append(d.dials, dsn)
	if d.failUser != "" && cfg.User == d.failUser {
		return nil, errors.New("connection refused")
	}

	s := &fakeSession{db: cfg.DBName}
	if d.prepare != nil {
		d.prepare(s)
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func testConnConfig(host, db, user, pass string) config.ConnConfig {
	f := false
	return config.ConnConfig{
		Host:      host,
		Port:      3306,
		Database:  db,
		Username:  user,
		Password:  pass,
		UseSocket: &f,
	}
}

func activeDatabase(t *testing.T, m *Manager) string {
	t.Helper()

	rows, err := m.Query(context.Background(), "SELECT DATABASE()")
	if err != nil {
		t.Fatalf("SELECT DATABASE(): %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		t.Fatal("SELECT DATABASE() returned no rows")
	}
	var db string
	if err := rows.Scan(&db); err != nil {
		t.Fatalf("scan database name: %v", err)
	}
	return db
}
