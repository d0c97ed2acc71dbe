// Package config loads and validates the connection configuration tree.
//
// The tree names a default alias and a set of aliased connection
// definitions (host, credentials, database, port, socket flag). Values
// support ${VAR} environment substitution.
package config
