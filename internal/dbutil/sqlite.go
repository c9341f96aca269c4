// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package dbutil contains helpers for opening the embedded engine's files.
package dbutil

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/zeebo/errs"
)

// Error is the class for database open failures.
var Error = errs.Class("dbutil")

// Options control how an engine file is opened.
type Options struct {
	ReadOnly    bool
	ForeignKeys bool
	WAL         bool
	BusyTimeout int // milliseconds
}

// DefaultOptions are used for per-table files.
func DefaultOptions() Options {
	return Options{
		ForeignKeys: false,
		WAL:         false,
		BusyTimeout: 10000,
	}
}

// RegistryOptions are used for the metadata registry file.
func RegistryOptions() Options {
	return Options{
		ForeignKeys: true,
		WAL:         true,
		BusyTimeout: 10000,
	}
}

// ReadOptions are used for read-only access to per-table files.
func ReadOptions() Options {
	opts := DefaultOptions()
	opts.ReadOnly = true
	return opts
}

// ConnString builds a sqlite3 DSN for the given path and options.
func ConnString(path string, opts Options) string {
	values := url.Values{}
	if opts.ReadOnly {
		values.Set("mode", "ro")
	}
	if opts.ForeignKeys {
		values.Set("_foreign_keys", "on")
	}
	if opts.WAL {
		values.Set("_journal_mode", "WAL")
	}
	if opts.BusyTimeout > 0 {
		values.Set("_busy_timeout", strconv.Itoa(opts.BusyTimeout))
	}
	dsn := "file:" + path
	if encoded := values.Encode(); encoded != "" {
		dsn += "?" + encoded
	}
	return dsn
}

// OpenSQLite opens an engine file and verifies the connection.
func OpenSQLite(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ConnString(path, opts))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return db, nil
}
