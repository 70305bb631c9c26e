// Package catalog is the single source of truth for ingested repository
// metadata. It persists the relational model (repositories, components,
// packages, provisions, dependency edges, file entries, download cache)
// in SQLite and keeps full-text and trigram search indices in lockstep
// with the base rows inside the same transaction.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/version"
)

// Store wraps the catalog database. Readers proceed concurrently under
// WAL; writers are serialized store-wide because SQLite allows only one
// write transaction at a time. Sibling ingests wait on the lock instead
// of racing the busy timeout, while fetching and parsing still overlap
// across components.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex
}

// Open opens (creating if necessary) the catalog database at path and
// migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &models.CatalogError{Type: models.ErrStorage, Err: err}
		}
	}
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path),
		"_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema. Ownership is enforced with ON DELETE CASCADE
// so that deleting a repository or component atomically removes every
// package, provision, dependency edge and file entry it owns; the search
// indices are maintained explicitly by the mutation paths instead.
func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS repositories (
    id       INTEGER PRIMARY KEY,
    name     TEXT NOT NULL UNIQUE,
    base_url TEXT NOT NULL,
    format   TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS components (
    id            INTEGER PRIMARY KEY,
    repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    url           TEXT NOT NULL UNIQUE,
    suite         TEXT NOT NULL DEFAULT '',
    component     TEXT NOT NULL DEFAULT '',
    architecture  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS packages (
    id             INTEGER PRIMARY KEY,
    component_id   INTEGER NOT NULL REFERENCES components(id) ON DELETE CASCADE,
    repository_id  INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    name           TEXT NOT NULL,
    version        TEXT NOT NULL,
    architecture   TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    homepage       TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL,
    filename       TEXT NOT NULL,
    sha256         TEXT NOT NULL DEFAULT '',
    installed_size INTEGER NOT NULL DEFAULT 0,
    depends        TEXT NOT NULL DEFAULT '',
    provides       TEXT NOT NULL DEFAULT '',
    UNIQUE(repository_id, filename),
    UNIQUE(repository_id, url)
);
CREATE INDEX IF NOT EXISTS idx_packages_name ON packages(name);
CREATE INDEX IF NOT EXISTS idx_packages_component ON packages(component_id);

CREATE TABLE IF NOT EXISTS provisions (
    package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    version    TEXT NOT NULL DEFAULT '',
    UNIQUE(package_id, name, version)
);
CREATE INDEX IF NOT EXISTS idx_provisions_name ON provisions(name);

CREATE TABLE IF NOT EXISTS dependencies (
    child  INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
    parent INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
    UNIQUE(child, parent)
);

CREATE TABLE IF NOT EXISTS files (
    id         INTEGER PRIMARY KEY,
    package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
    path       TEXT NOT NULL,
    command    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_files_package ON files(package_id);

CREATE TABLE IF NOT EXISTS download_cache (
    url           TEXT PRIMARY KEY,
    etag          TEXT NOT NULL DEFAULT '',
    last_modified TEXT NOT NULL DEFAULT '',
    expires       INTEGER NOT NULL DEFAULT 0,
    size          INTEGER NOT NULL DEFAULT 0
);

CREATE VIRTUAL TABLE IF NOT EXISTS packages_fts USING fts5(
    name, description, homepage,
    tokenize='porter unicode61 remove_diacritics 2'
);

CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(
    path, command,
    tokenize='trigram'
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: "migrate", Err: err}
	}
	return nil
}

// EcosystemFor maps a repository format to its version-ordering rules.
func EcosystemFor(f models.Format) version.Ecosystem {
	switch f {
	case models.FormatRpm:
		return version.EcosystemRpm
	case models.FormatOpkg:
		return version.EcosystemOpkg
	case models.FormatBsdPkg:
		return version.EcosystemBsdPkg
	default:
		return version.EcosystemDeb
	}
}

// AddRepository inserts or refreshes a repository row and returns it.
// The priority records the repository's position in configuration and is
// the caller-visible tie-break between equal candidates.
func (s *Store) AddRepository(ctx context.Context, name, baseURL string, format models.Format, priority int) (models.Repository, error) {
	s.writeMu.Lock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories(name, base_url, format, priority) VALUES(?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET base_url = excluded.base_url,
		                                 format   = excluded.format,
		                                 priority = excluded.priority`,
		name, baseURL, format.String(), priority)
	s.writeMu.Unlock()
	if err != nil {
		return models.Repository{}, &models.CatalogError{Type: models.ErrStorage, Context: name, Err: err}
	}
	return s.RepositoryByName(ctx, name)
}

// RepositoryByName returns the repository row with the given name.
func (s *Store) RepositoryByName(ctx context.Context, name string) (models.Repository, error) {
	var r models.Repository
	var format string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, format, priority FROM repositories WHERE name = ?`, name).
		Scan(&r.ID, &r.Name, &r.BaseURL, &format, &r.Priority)
	if err != nil {
		return models.Repository{}, &models.CatalogError{Type: models.ErrStorage, Context: name, Err: err}
	}
	r.Format = models.ParseFormat(format)
	return r, nil
}

// AddComponent inserts a component row if its URL is not known yet and
// returns it. Components are immutable once created except for wholesale
// replacement of their package set.
func (s *Store) AddComponent(ctx context.Context, repo models.Repository, componentURL, suite, comp, arch string) (models.Component, error) {
	s.writeMu.Lock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO components(repository_id, url, suite, component, architecture)
		 VALUES(?, ?, ?, ?, ?) ON CONFLICT(url) DO NOTHING`,
		repo.ID, componentURL, suite, comp, arch)
	s.writeMu.Unlock()
	if err != nil {
		return models.Component{}, &models.CatalogError{Type: models.ErrStorage, Context: componentURL, Err: err}
	}
	var c models.Component
	err = s.db.QueryRowContext(ctx,
		`SELECT id, repository_id, url, suite, component, architecture FROM components WHERE url = ?`,
		componentURL).
		Scan(&c.ID, &c.RepositoryID, &c.URL, &c.Suite, &c.Component, &c.Architecture)
	if err != nil {
		return models.Component{}, &models.CatalogError{Type: models.ErrStorage, Context: componentURL, Err: err}
	}
	return c, nil
}

// Components returns all components owned by the repository.
func (s *Store) Components(ctx context.Context, repo models.Repository) ([]models.Component, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, url, suite, component, architecture
		 FROM components WHERE repository_id = ? ORDER BY id`, repo.ID)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: repo.Name, Err: err}
	}
	defer rows.Close()
	var out []models.Component
	for rows.Next() {
		var c models.Component
		if err := rows.Scan(&c.ID, &c.RepositoryID, &c.URL, &c.Suite, &c.Component, &c.Architecture); err != nil {
			return nil, &models.CatalogError{Type: models.ErrStorage, Context: repo.Name, Err: err}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteComponent removes a component and, through cascading ownership,
// every package, provision, dependency edge and file entry it owns. The
// search index rows are removed in the same transaction.
func (s *Store) DeleteComponent(ctx context.Context, componentID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	defer tx.Rollback()
	if err := deleteComponentRows(ctx, tx, componentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM components WHERE id = ?`, componentID); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	logrus.Debugf("catalog: deleted component %d", componentID)
	return nil
}

// DeleteRepository removes a repository and everything it owns.
func (s *Store) DeleteRepository(ctx context.Context, name string) error {
	repo, err := s.RepositoryByName(ctx, name)
	if err != nil {
		return err
	}
	components, err := s.Components(ctx, repo)
	if err != nil {
		return err
	}
	for _, c := range components {
		if err := s.DeleteComponent(ctx, c.ID); err != nil {
			return err
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, repo.ID); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: name, Err: err}
	}
	logrus.Infof("catalog: deleted repository %s", name)
	return nil
}

// deleteComponentRows removes the packages of one component together with
// their search index rows, inside the caller's transaction. Provisions,
// dependency edges and file entries go with the packages via cascade.
func deleteComponentRows(ctx context.Context, tx *sql.Tx, componentID int64) error {
	wrap := func(err error) error {
		return &models.CatalogError{Type: models.ErrStorage, Context: "replace component rows", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM packages_fts WHERE rowid IN
		   (SELECT id FROM packages WHERE component_id = ?)`, componentID); err != nil {
		return wrap(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM files_fts WHERE rowid IN
		   (SELECT f.id FROM files f JOIN packages p ON p.id = f.package_id
		    WHERE p.component_id = ?)`, componentID); err != nil {
		return wrap(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM packages WHERE component_id = ?`, componentID); err != nil {
		return wrap(err)
	}
	return nil
}

// DownloadRecord returns the memoized cache validators for a URL, if any.
func (s *Store) DownloadRecord(ctx context.Context, rawURL string) (models.Validators, bool, error) {
	var v models.Validators
	err := s.db.QueryRowContext(ctx,
		`SELECT etag, last_modified, expires, size FROM download_cache WHERE url = ?`, rawURL).
		Scan(&v.ETag, &v.LastModified, &v.Expires, &v.Size)
	if err == sql.ErrNoRows {
		return models.Validators{}, false, nil
	}
	if err != nil {
		return models.Validators{}, false, &models.CatalogError{Type: models.ErrStorage, Context: rawURL, Err: err}
	}
	return v, true, nil
}

// UpsertDownloadRecord records the validators observed on a fetch attempt.
// This is independent of package transactions.
func (s *Store) UpsertDownloadRecord(ctx context.Context, rawURL string, v models.Validators) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO download_cache(url, etag, last_modified, expires, size)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET etag          = excluded.etag,
		                                last_modified = excluded.last_modified,
		                                expires       = excluded.expires,
		                                size          = excluded.size`,
		rawURL, v.ETag, v.LastModified, v.Expires, v.Size)
	if err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: rawURL, Err: err}
	}
	return nil
}

// ClearDownloadCache drops all memoized validators, forcing full refetches.
func (s *Store) ClearDownloadCache(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_cache`); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	return nil
}
