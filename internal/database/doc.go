// Package database manages the PostgreSQL connection pool for the
// optional archive sink.
package database
