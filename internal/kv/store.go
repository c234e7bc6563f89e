// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kv provides a persistent key-value store backed by SQLite.
//
// The engine uses it for small durable facts that must survive process
// restarts: resolved conversation titles and the last-selected-conversation
// pointer. The store has a deliberately forgiving read contract - a missing
// database, an unreadable row, or any I/O failure reads as "absent" rather
// than an error, so callers degrade to cache-miss behavior instead of
// failing an operation over cache state.
//
// One logical owner at a time; cross-process concurrent writers are out of
// scope.
package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrClosed is returned by writes against a closed store.
var ErrClosed = errors.New("kv: store closed")

// schema holds the single key-value table.
const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Store is a SQLite-backed persistent key-value store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value for key. Any failure - missing key, closed store,
// corrupt database - reads as absent.
func (s *Store) Get(key string) (string, bool) {
	if s == nil || s.db == nil {
		return "", false
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("kv: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
