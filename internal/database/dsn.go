package database

import (
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/dbmux/dbmux/internal/config"
)

// SocketPath is the fixed local Unix-socket location used when a
// connection opts into socket mode (MAMP-style local installs).
const SocketPath = "/Applications/MAMP/tmp/mysql/mysql.sock"

// DSN builds a MySQL driver connection string from config.
func DSN(cc config.ConnConfig) string {
	c := mysql.NewConfig()
	c.User = cc.Username
	c.Passwd = cc.Password
	c.DBName = cc.Database

	if cc.SocketEnabled() {
		c.Net = "unix"
		c.Addr = SocketPath
	} else {
		c.Net = "tcp"
		c.Addr = fmt.Sprintf("%s:%d", cc.Host, cc.Port)
	}

	return c.FormatDSN()
}

// EndpointKey derives the physical-connection identity for a config
// entry. Two aliases share a physical connection only when their keys
// match (and their credentials pass the connection's own predicate).
//
// The database name is deliberately excluded: switching databases on an
// established session is the whole point of the multiplexer. The
// username is included so distinct users never share a session.
func EndpointKey(cc config.ConnConfig) string {
	if cc.SocketEnabled() {
		return fmt.Sprintf("%s@unix(%s)", cc.Username, SocketPath)
	}
	return fmt.Sprintf("%s@%s:%d", cc.Username, cc.Host, cc.Port)
}
