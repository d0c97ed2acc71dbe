// Package database builds MySQL connection strings and opens pinned
// single-session handles.
//
// The endpoint key derived here is what decides whether two aliases can
// be multiplexed onto one physical connection.
package database
