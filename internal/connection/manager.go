package connection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dbmux/dbmux/internal/config"
	"github.com/dbmux/dbmux/internal/database"
)

// Manager routes alias-addressed operations to physical connections.
// It owns every Conn, decides when a new alias can be multiplexed onto
// an existing connection, and exposes a statement/transaction surface
// bound to whichever alias is currently active.
type Manager struct {
	logger *slog.Logger
	dial   Dialer

	mu             sync.Mutex
	conns          map[string]*Conn  // endpoint key -> physical connection
	aliasEndpoints map[string]string // alias -> endpoint key
	currentAlias   string
	currentDB      string
	current        *Conn
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	ConnectionCount int
	ConnectedCount  int
	AliasCount      int
	CurrentAlias    string
}

// NewManager builds a manager from configuration. A failure to set up
// one alias is logged and that alias skipped so the rest can still
// start; failure to activate the configured default alias is returned.
func NewManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	return newManager(ctx, cfg, logger, DialMySQL)
}

func newManager(ctx context.Context, cfg *config.Config, logger *slog.Logger, dial Dialer) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:         logger,
		dial:           dial,
		conns:          make(map[string]*Conn),
		aliasEndpoints: make(map[string]string),
	}

	// Deterministic setup order so endpoint ownership does not depend
	// on map iteration.
	aliases := make([]string, 0, len(cfg.Connections))
	for alias := range cfg.Connections {
		aliases = append(aliases, alias)
	}
	slices.Sort(aliases)
	for _, alias := range aliases {
		if err := m.addConnection(ctx, alias, cfg.Connections[alias]); err != nil {
			m.logger.Warn("skipping connection alias",
				"alias", alias,
				"error", err,
			)
		}
	}

	if err := m.EnsureConnection(ctx, cfg.DefaultConnection, false); err != nil {
		m.Close()
		return nil, fmt.Errorf("activate default alias %q: %w", cfg.DefaultConnection, err)
	}

	m.logger.Info("connection manager started",
		"connections", len(m.conns),
		"aliases", len(m.aliasEndpoints),
		"default", cfg.DefaultConnection,
	)
	return m, nil
}

// addConnection creates a physical connection for a new endpoint or
// multiplexes the alias onto an existing one when credentials match.
// The alias -> endpoint route is recorded in every branch.
func (m *Manager) addConnection(ctx context.Context, alias string, cc config.ConnConfig) error {
	endpoint := database.EndpointKey(cc)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conns[endpoint]
	switch {
	case !ok:
		conn, err := newConn(ctx, alias, cc, m.dial, m.logger)
		if err != nil {
			return err
		}
		m.conns[endpoint] = conn

	case existing.MatchesCredentials(cc.Username, cc.Password):
		existing.AddAlias(alias, cc.Database)

	default:
		// Same endpoint, different password. The alias stays routed to
		// the endpoint but is not registered on the connection, so
		// activating it fails with an unknown-alias error.
		m.logger.Warn("credential mismatch, alias not multiplexed",
			"alias", alias,
			"endpoint", endpoint,
		)
	}

	m.aliasEndpoints[alias] = endpoint
	return nil
}

// Connection resolves an alias to its physical connection. An empty
// alias resolves to the currently active connection. Resolution never
// mutates the active routing state.
func (m *Manager) Connection(alias string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionLocked(alias)
}

func (m *Manager) connectionLocked(alias string) (*Conn, error) {
	if alias == "" {
		if m.current == nil {
			return nil, ErrNotConnected
		}
		return m.current, nil
	}

	endpoint, ok := m.aliasEndpoints[alias]
	if !ok {
		return nil, fmt.Errorf("alias %q: %w", alias, ErrUnknownAlias)
	}
	conn, ok := m.conns[endpoint]
	if !ok {
		return nil, fmt.Errorf("alias %q: %w", alias, ErrUnknownAlias)
	}
	return conn, nil
}

// EnsureConnection activates the alias (empty means the current one)
// and guarantees connectivity on it, optionally probing liveness.
func (m *Manager) EnsureConnection(ctx context.Context, alias string, keepAlive bool) error {
	m.mu.Lock()
	conn, err := m.connectionLocked(alias)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("ensure connection: %w", err)
	}
	if alias != "" {
		if err := m.makeCurrentLocked(ctx, alias, conn); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("ensure connection %q: %w", alias, err)
		}
	}
	m.mu.Unlock()

	return conn.EnsureConnected(ctx, keepAlive)
}

// makeCurrentLocked activates alias on conn, then updates the active
// routing state as one unit. A failed activation leaves it untouched.
func (m *Manager) makeCurrentLocked(ctx context.Context, alias string, conn *Conn) error {
	if err := conn.UseAlias(ctx, alias); err != nil {
		return err
	}

	m.currentAlias = alias
	m.currentDB = conn.CurrentDatabase()
	m.current = conn
	return nil
}

// CurrentAlias returns the active alias.
func (m *Manager) CurrentAlias() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentAlias
}

// CurrentDatabase returns the database of the active alias.
func (m *Manager) CurrentDatabase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentDB
}

// Exec runs a statement on the currently active connection.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := m.Connection("")
	if err != nil {
		return nil, err
	}
	return conn.Exec(ctx, query, 0, args...)
}

// Query runs a row-returning statement on the active connection.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	conn, err := m.Connection("")
	if err != nil {
		return nil, err
	}
	return conn.Query(ctx, query, 0, args...)
}

// Prepare creates a prepared statement on the active connection.
func (m *Manager) Prepare(ctx context.Context, query string) (Stmt, error) {
	conn, err := m.Connection("")
	if err != nil {
		return nil, err
	}
	return conn.Prepare(ctx, query)
}

// Begin opens a transaction on the active connection.
func (m *Manager) Begin(ctx context.Context) error {
	conn, err := m.Connection("")
	if err != nil {
		return err
	}
	return conn.Begin(ctx)
}

// Commit commits the active connection's transaction.
func (m *Manager) Commit() error {
	conn, err := m.Connection("")
	if err != nil {
		return err
	}
	return conn.Commit()
}

// Rollback rolls the active connection's transaction back.
func (m *Manager) Rollback() error {
	conn, err := m.Connection("")
	if err != nil {
		return err
	}
	return conn.Rollback()
}

// LastInsertID reports the last auto-generated id on the active
// session.
func (m *Manager) LastInsertID(ctx context.Context) (int64, error) {
	rows, err := m.Query(ctx, "SELECT LAST_INSERT_ID()")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, rows.Err()
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, rows.Err()
}

// LastError returns the active connection's most recent error.
func (m *Manager) LastError() error {
	conn, err := m.Connection("")
	if err != nil {
		return err
	}
	return conn.LastError()
}

// LastErrorCode returns the active connection's most recent server
// error number.
func (m *Manager) LastErrorCode() uint16 {
	conn, err := m.Connection("")
	if err != nil {
		return 0
	}
	return conn.LastErrorCode()
}

// SetSessionVar sets a session variable on the active session.
func (m *Manager) SetSessionVar(ctx context.Context, name string, value any) error {
	if !isIdent(name) {
		return fmt.Errorf("invalid session variable name %q", name)
	}

	var literal string
	switch v := value.(type) {
	case string:
		literal = Quote(v)
	default:
		literal = fmt.Sprintf("%v", v)
	}

	_, err := m.Exec(ctx, fmt.Sprintf("SET SESSION %s = %s", name, literal))
	return err
}

// SessionVar reads a session variable from the active session.
func (m *Manager) SessionVar(ctx context.Context, name string) (string, error) {
	if !isIdent(name) {
		return "", fmt.Errorf("invalid session variable name %q", name)
	}

	rows, err := m.Query(ctx, "SELECT @@SESSION."+name)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("session variable %q: no result", name)
	}
	var value string
	if err := rows.Scan(&value); err != nil {
		return "", err
	}
	return value, rows.Err()
}

// Quote returns s as an escaped SQL string literal.
func (m *Manager) Quote(s string) string {
	return Quote(s)
}

// Stats returns current routing statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	connected := 0
	for _, c := range m.conns {
		if c.IsConnected() {
			connected++
		}
	}

	return ManagerStats{
		ConnectionCount: len(m.conns),
		ConnectedCount:  connected,
		AliasCount:      len(m.aliasEndpoints),
		CurrentAlias:    m.currentAlias,
	}
}

// Close closes every physical connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for endpoint, conn := range m.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", endpoint, err)
		}
	}
	m.current = nil
	m.currentAlias = ""
	m.currentDB = ""
	return firstErr
}
