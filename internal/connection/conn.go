package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/dbmux/dbmux/internal/config"
	"github.com/dbmux/dbmux/internal/database"
)

// Conn owns one physical link to a database server. Multiple aliases
// can address it; switching between them re-selects the database on the
// existing session instead of opening a new one.
type Conn struct {
	id       string
	name     string // the connection's own default alias
	host     string
	port     int
	username string
	password string

	defaultDB string
	endpoint  string
	dsn       string

	dial   Dialer
	logger *slog.Logger

	// Guards everything below. The engine itself is sequential; the
	// mutex is what makes it safe inside a multi-threaded host.
	mu           sync.Mutex
	aliases      map[string]string // alias -> database
	currentAlias string
	currentDB    string
	session      Session // nil when closed / never connected
	tx           Tx
	lastErr      error
}

// newConn creates a physical connection for alias and establishes the
// session. The alias is registered as the connection's own first
// registry entry.
func newConn(ctx context.Context, alias string, cc config.ConnConfig, dial Dialer, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()[:8]
	endpoint := database.EndpointKey(cc)

	c := &Conn{
		id:           id,
		name:         alias,
		host:         cc.Host,
		port:         cc.Port,
		username:     cc.Username,
		password:     cc.Password,
		defaultDB:    cc.Database,
		endpoint:     endpoint,
		dsn:          database.DSN(cc),
		dial:         dial,
		logger:       logger.With("conn_id", id, "endpoint", endpoint),
		aliases:      map[string]string{alias: cc.Database},
		currentAlias: alias,
		currentDB:    cc.Database,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// AddAlias registers (or overwrites) an alias -> database mapping.
// Pure bookkeeping; nothing is validated against the server.
func (c *Conn) AddAlias(alias, db string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[alias] = db
}

// UseAlias makes alias the connection's active alias, switching the
// selected database if it differs from the current one.
func (c *Conn) UseAlias(ctx context.Context, alias string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, ok := c.aliases[alias]
	if !ok {
		return fmt.Errorf("alias %q: %w", alias, ErrUnknownAlias)
	}

	if db != c.currentDB {
		if err := c.switchDatabaseLocked(ctx, db); err != nil {
			return err
		}
	}
	c.currentAlias = alias
	return nil
}

// MatchesCredentials reports whether the given credentials match the
// connection's own. The manager uses it to decide whether a new alias
// can be multiplexed onto this connection.
func (c *Conn) MatchesCredentials(username, password string) bool {
	return c.username == username && c.password == password
}

// DatabaseForAlias returns the database the alias maps to.
func (c *Conn) DatabaseForAlias(alias string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, ok := c.aliases[alias]
	if !ok {
		return "", fmt.Errorf("alias %q: %w", alias, ErrUnknownAlias)
	}
	return db, nil
}

// EnsureConnected guarantees a live session exists, lazily reconnecting
// if needed. With keepAlive it additionally runs a liveness probe with
// a retry budget of one, repairing a dead session before real work.
func (c *Conn) EnsureConnected(ctx context.Context, keepAlive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if keepAlive {
		return c.probeLocked(ctx)
	}
	if c.session == nil {
		return c.connectLocked(ctx)
	}
	return nil
}

// Exec runs a statement against the live session, lazily establishing
// it when absent. On failure the error is recorded and, while
// retryBudget remains, the physical connection is forcibly
// re-established and the statement retried. An exhausted budget
// surfaces as ErrRetriesExhausted wrapping the last cause.
func (c *Conn) Exec(ctx context.Context, query string, retryBudget int, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execLocked(ctx, query, retryBudget, args...)
}

// Query is Exec for statements that return rows.
func (c *Conn) Query(ctx context.Context, query string, retryBudget int, args ...any) (Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryLocked(ctx, query, retryBudget, args...)
}

// Prepare creates a prepared statement on the live session.
func (c *Conn) Prepare(ctx context.Context, query string) (Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	stmt, err := c.session.Prepare(ctx, query)
	if err != nil {
		c.lastErr = err
		return nil, err
	}
	return stmt, nil
}

// Begin opens a transaction on the live session and pins it to the
// connection until Commit or Rollback.
func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		return ErrTransactionOpen
	}
	if c.session == nil {
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
	}

	tx, err := c.session.Begin(ctx)
	if err != nil {
		c.lastErr = err
		return err
	}
	c.tx = tx
	return nil
}

// Commit commits the pinned transaction.
func (c *Conn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return ErrNoTransaction
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		c.lastErr = err
	}
	return err
}

// Rollback rolls the pinned transaction back.
func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return ErrNoTransaction
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		c.lastErr = err
	}
	return err
}

// ExecTx runs a statement inside the pinned transaction.
func (c *Conn) ExecTx(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil, ErrNoTransaction
	}
	res, err := c.tx.Exec(ctx, query, args...)
	if err != nil {
		c.lastErr = err
	}
	return res, err
}

// Close drops the live session. Later operations lazily reconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tx = nil
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// LastError returns the most recent execution or connect error.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastErrorCode returns the server error number of the most recent
// error, or zero when there is none or it was not a server error.
func (c *Conn) LastErrorCode() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var myErr *mysql.MySQLError
	if errors.As(c.lastErr, &myErr) {
		return myErr.Number
	}
	return 0
}

// Name returns the connection's own default alias.
func (c *Conn) Name() string { return c.name }

// Endpoint returns the physical identity key.
func (c *Conn) Endpoint() string { return c.endpoint }

// CurrentAlias returns the active alias.
func (c *Conn) CurrentAlias() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentAlias
}

// CurrentDatabase returns the database selected on the session.
func (c *Conn) CurrentDatabase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDB
}

// IsConnected reports whether a live session exists.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Aliases returns a copy of the alias registry.
func (c *Conn) Aliases() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.aliases))
	for alias, db := range c.aliases {
		out[alias] = db
	}
	return out
}

// execLocked is the retry core. Any failure is retry-worthy; each retry
// is preceded by exactly one forced reconnect.
func (c *Conn) execLocked(ctx context.Context, query string, retryBudget int, args ...any) (sql.Result, error) {
	if c.session == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	res, err := c.session.Exec(ctx, query, args...)
	if err == nil {
		return res, nil
	}

	c.lastErr = err
	if retryBudget <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}

	c.logger.Warn("statement failed, reconnecting",
		"error", err,
		"retries_left", retryBudget,
	)
	if rerr := c.reconnectLocked(ctx); rerr != nil {
		return nil, rerr
	}
	return c.execLocked(ctx, query, retryBudget-1, args...)
}

func (c *Conn) queryLocked(ctx context.Context, query string, retryBudget int, args ...any) (Rows, error) {
	if c.session == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	rows, err := c.session.Query(ctx, query, args...)
	if err == nil {
		return rows, nil
	}

	c.lastErr = err
	if retryBudget <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}

	c.logger.Warn("query failed, reconnecting",
		"error", err,
		"retries_left", retryBudget,
	)
	if rerr := c.reconnectLocked(ctx); rerr != nil {
		return nil, rerr
	}
	return c.queryLocked(ctx, query, retryBudget-1, args...)
}

// switchDatabaseLocked selects db on the session with a retry budget of
// one, covering exactly the case where the session died between uses.
// The new database is recorded only after the switch succeeded.
func (c *Conn) switchDatabaseLocked(ctx context.Context, db string) error {
	if _, err := c.execLocked(ctx, "USE "+quoteIdent(db), 1); err != nil {
		return fmt.Errorf("switch database to %q: %w", db, err)
	}
	c.currentDB = db
	return nil
}

// probeLocked runs the liveness probe with a retry budget of one.
func (c *Conn) probeLocked(ctx context.Context) error {
	rows, err := c.queryLocked(ctx, stmtLivenessProbe, 1)
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	return rows.Close()
}

// connectLocked dials a fresh session and runs the session bootstrap.
// A fresh session starts on the default database; if a different one
// was selected mid-session the switch is re-issued, whether the session
// was dropped by a forced reconnect or an explicit Close. The re-issue
// gets no retry budget to keep the reconnect sequence bounded, and on
// failure the session is dropped so the next access dials and switches
// again rather than running statements against the wrong database.
func (c *Conn) connectLocked(ctx context.Context) error {
	s, err := c.dial(ctx, c.dsn)
	if err != nil {
		cerr := &ConnectError{User: c.username, Endpoint: c.endpoint, Err: err}
		c.lastErr = cerr
		return cerr
	}

	if _, err := s.Exec(ctx, stmtSessionBootstrap); err != nil {
		s.Close()
		cerr := &ConnectError{User: c.username, Endpoint: c.endpoint, Err: err}
		c.lastErr = cerr
		return cerr
	}

	if c.currentDB != c.defaultDB {
		if _, err := s.Exec(ctx, "USE "+quoteIdent(c.currentDB)); err != nil {
			s.Close()
			c.lastErr = err
			return fmt.Errorf("restore database %q: %w", c.currentDB, err)
		}
	}

	c.session = s
	c.logger.Debug("session established", "database", c.currentDB)
	return nil
}

// reconnectLocked tears the session down and dials a fresh one;
// connectLocked restores the selected database.
func (c *Conn) reconnectLocked(ctx context.Context) error {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.tx = nil

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	c.logger.Info("reconnected", "database", c.currentDB)
	return nil
}
