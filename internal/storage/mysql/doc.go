// Package mysql persists conversation history in MySQL. It owns the
// connection pool settings and applies the embedded schema migrations
// from deploy/migrations before serving reads and writes.
package mysql
