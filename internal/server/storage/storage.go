// Package storage provides the durable backends behind the alarm store. Each
// backend persists named collections as opaque JSON payloads with
// last-write-wins semantics: Save replaces the whole collection, Load returns
// the last saved payload.
//
// Three drivers are available:
//
//	file     – one <collection>.json file per collection, replaced atomically
//	sqlite   – WAL-mode SQLite database (modernc.org/sqlite, no cgo)
//	postgres – PostgreSQL through a pgxpool connection pool
package storage

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend is implemented by every storage driver.
//
// Load returns (nil, nil) when the collection has never been saved.
type Backend interface {
	Load(ctx context.Context, collection string) ([]byte, error)
	Save(ctx context.Context, collection string, payload []byte) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a Backend.
type Options struct {
	Driver      string
	DataDir     string
	SQLitePath  string
	PostgresDSN string
}

// Open constructs the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case "", DriverFile:
		return NewFileBackend(opts.DataDir)
	case DriverSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.DataDir, "nasmon.db")
		}
		return NewSQLiteBackend(path)
	case DriverPostgres:
		return NewPostgresBackend(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}
