// Package connection multiplexes many logical database aliases over a
// small number of physical MySQL connections.
//
// A Conn owns one live session and an alias registry; activating an
// alias switches the selected database on the existing session instead
// of opening a new one. Statements run with a bounded reconnect-retry
// budget so a dropped server connection is repaired transparently.
//
// The Manager owns every Conn keyed by physical endpoint identity,
// decides whether a configured alias reuses an existing connection
// (same endpoint, same credentials) or gets a new one, and exposes a
// statement/transaction surface bound to the currently active alias.
package connection
