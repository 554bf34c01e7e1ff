// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS resource (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS root_resource (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	resource_id INTEGER UNIQUE NOT NULL REFERENCES resource(id)
);
CREATE TABLE IF NOT EXISTS resource_group (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	url_pattern TEXT NOT NULL,
	source_type TEXT,
	source_id INTEGER,
	do_not_download INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS resource_revision (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id INTEGER NOT NULL REFERENCES resource(id),
	request_cookie TEXT,
	error TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS resource_revision__resource_id
	ON resource_revision (resource_id);
CREATE TABLE IF NOT EXISTS project_property (
	name TEXT UNIQUE NOT NULL,
	value TEXT
);
`

// openDatabase opens (and for read-write projects, initializes) the
// relational catalog.
func openDatabase(path string, readOnly bool) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// the database is single-writer; one connection keeps it that way
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !readOnly {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			klog.V(6).Infof("project: cannot set journal_mode=WAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			klog.V(6).Infof("project: cannot set synchronous=NORMAL: %v", err)
		}
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			if isLockedError(err) {
				return nil, ErrProjectLocked
			}
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		if isLockedError(err) {
			return nil, ErrProjectLocked
		}
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func isLockedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// isClosedError recognizes operations that raced with project close;
// callers treat these as benign.
func isClosedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is closed")
}
