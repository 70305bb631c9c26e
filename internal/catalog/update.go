package catalog

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ralt/crosspkg/internal/constraint"
	"github.com/ralt/crosspkg/internal/models"
)

// ComponentUpdate is a scoped replace-on-write transaction over one
// component's package set. Either all new rows become visible together on
// Commit, or none do: a mid-update crash or partial parse can never leave
// half of a metadata document ingested.
type ComponentUpdate struct {
	store     *Store
	tx        *sql.Tx
	repo      models.Repository
	component models.Component
	lock      *sync.Mutex
	done      bool
	count     int
}

// BeginUpdate opens a replace-on-write transaction for the component.
// The component's existing package rows (and their search index rows) are
// cleared inside the transaction, so concurrent readers keep observing the
// old row set until Commit. The store-wide writer lock is held until
// Commit or Rollback: SQLite has a single writer, so queueing here is
// strictly better than failing on the busy timeout.
func (s *Store) BeginUpdate(ctx context.Context, repo models.Repository, component models.Component) (*ComponentUpdate, error) {
	lock := &s.writeMu
	lock.Lock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		lock.Unlock()
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: component.URL, Err: err}
	}
	if err := deleteComponentRows(ctx, tx, component.ID); err != nil {
		tx.Rollback()
		lock.Unlock()
		return nil, err
	}
	return &ComponentUpdate{store: s, tx: tx, repo: repo, component: component, lock: lock}, nil
}

// AddPackage inserts one parsed package record together with its
// provisions, file entries and search index rows.
func (u *ComponentUpdate) AddPackage(ctx context.Context, rec models.RawPackageRecord) error {
	pkgURL := strings.TrimRight(u.repo.BaseURL, "/") + "/" + strings.TrimLeft(rec.Filename, "/")
	res, err := u.tx.ExecContext(ctx,
		`INSERT INTO packages(component_id, repository_id, name, version, architecture,
		                      description, homepage, url, filename, sha256,
		                      installed_size, depends, provides)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repository_id, filename) DO NOTHING`,
		u.component.ID, u.repo.ID, rec.Name, rec.Version, rec.Architecture,
		rec.Description, rec.Homepage, pkgURL, rec.Filename, rec.SHA256Sum,
		rec.InstalledSize, rec.Depends, rec.Provides)
	if err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: rec.Name, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate filename within the repository; first record wins.
		return nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: rec.Name, Err: err}
	}

	if _, err := u.tx.ExecContext(ctx,
		`INSERT INTO packages_fts(rowid, name, description, homepage) VALUES(?, ?, ?, ?)`,
		id, rec.Name, rec.Description, rec.Homepage); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: rec.Name, Err: err}
	}

	eco := EcosystemFor(u.repo.Format)
	for _, p := range constraint.ParseProvides(rec.Provides, eco) {
		ver := ""
		if p.Relation == constraint.RelEqual {
			ver = p.Version
		}
		if _, err := u.tx.ExecContext(ctx,
			`INSERT INTO provisions(package_id, name, version) VALUES(?, ?, ?)
			 ON CONFLICT DO NOTHING`, id, p.Name, ver); err != nil {
			return &models.CatalogError{Type: models.ErrStorage, Context: rec.Name, Err: err}
		}
	}

	for _, f := range rec.Files {
		res, err := u.tx.ExecContext(ctx,
			`INSERT INTO files(package_id, path, command) VALUES(?, ?, ?)`,
			id, f.Path, f.Command)
		if err != nil {
			return &models.CatalogError{Type: models.ErrStorage, Context: rec.Name, Err: err}
		}
		fileID, err := res.LastInsertId()
		if err != nil {
			return &models.CatalogError{Type: models.ErrStorage, Context: rec.Name, Err: err}
		}
		if _, err := u.tx.ExecContext(ctx,
			`INSERT INTO files_fts(rowid, path, command) VALUES(?, ?, ?)`,
			fileID, f.Path, f.Command); err != nil {
			return &models.CatalogError{Type: models.ErrStorage, Context: rec.Name, Err: err}
		}
	}
	u.count++
	return nil
}

// Commit makes the new row set visible atomically.
func (u *ComponentUpdate) Commit() error {
	if u.done {
		return nil
	}
	u.done = true
	defer u.lock.Unlock()
	if err := u.tx.Commit(); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: u.component.URL, Err: err}
	}
	logrus.Debugf("catalog: replaced component %s with %d packages", u.component.URL, u.count)
	return nil
}

// Rollback abandons the update; the store reverts to the pre-update row
// set for the component. Safe to call after Commit.
func (u *ComponentUpdate) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	defer u.lock.Unlock()
	return u.tx.Rollback()
}

// ResolveDependencyEdges materializes (child, parent) edges for every
// dependency of the component's packages that matches exactly one concrete
// package. Ambiguous or unresolved dependencies are left as resolve-time
// queries. Run after Commit, as the original batch pass runs after
// indexing.
func (s *Store) ResolveDependencyEdges(ctx context.Context, repo models.Repository, component models.Component) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, depends FROM packages WHERE component_id = ? AND depends != ''`, component.ID)
	if err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: component.URL, Err: err}
	}
	type pending struct {
		id      int64
		depends string
	}
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.depends); err != nil {
			rows.Close()
			return &models.CatalogError{Type: models.ErrStorage, Context: component.URL, Err: err}
		}
		work = append(work, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return &models.CatalogError{Type: models.ErrStorage, Context: component.URL, Err: err}
	}

	eco := EcosystemFor(repo.Format)
	edges := 0
	for _, p := range work {
		for _, set := range constraint.Parse(p.depends, eco) {
			matches, err := s.Candidates(ctx, set, "", repo.ID)
			if err != nil {
				return err
			}
			names := make(map[string]struct{})
			for _, m := range matches {
				names[m.Name] = struct{}{}
			}
			// Only unambiguous matches become edges.
			if len(names) != 1 {
				continue
			}
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO dependencies(child, parent) VALUES(?, ?) ON CONFLICT DO NOTHING`,
				p.id, matches[0].ID); err != nil {
				return &models.CatalogError{Type: models.ErrStorage, Context: component.URL, Err: err}
			}
			edges++
		}
	}
	logrus.Debugf("catalog: materialized %d dependency edges for %s", edges, component.URL)
	return nil
}
