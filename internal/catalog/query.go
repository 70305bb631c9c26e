package catalog

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/ralt/crosspkg/internal/constraint"
	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/version"
)

const packageColumns = `p.id, p.component_id, p.repository_id, p.name, p.version,
	p.architecture, p.description, p.homepage, p.url, p.filename, p.sha256,
	p.installed_size, p.depends, p.provides, r.priority`

func scanPackage(rows *sql.Rows) (models.Package, error) {
	var p models.Package
	err := rows.Scan(&p.ID, &p.ComponentID, &p.RepositoryID, &p.Name, &p.Version,
		&p.Architecture, &p.Description, &p.Homepage, &p.URL, &p.Filename, &p.SHA256Sum,
		&p.InstalledSize, &p.Depends, &p.Provides, &p.RepoPriority)
	return p, err
}

// archMatches reports whether a package architecture satisfies the
// requested target. The wildcard architectures used across ecosystems
// ("all", "any", "noarch") match every target.
func archMatches(pkgArch, target string) bool {
	if target == "" || pkgArch == target {
		return true
	}
	switch pkgArch {
	case "", "all", "any", "noarch":
		return true
	}
	return false
}

// sortCandidates orders packages newest-first by the ecosystem comparator.
// Ties prefer the concrete-architecture match over wildcard variants, then
// the repository listed first in configuration, then insertion order for
// stability.
func sortCandidates(pkgs []models.Package, targetArch string, eco version.Ecosystem) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		if c := version.Compare(pkgs[i].Version, pkgs[j].Version, eco); c != 0 {
			return c > 0
		}
		ci := pkgs[i].Architecture == targetArch
		cj := pkgs[j].Architecture == targetArch
		if ci != cj {
			return ci
		}
		if pkgs[i].RepoPriority != pkgs[j].RepoPriority {
			return pkgs[i].RepoPriority < pkgs[j].RepoPriority
		}
		return pkgs[i].ID < pkgs[j].ID
	})
}

// FindPackages returns all packages whose name matches the term directly,
// filtered by target architecture and the term's version constraint,
// sorted newest-first. repoID restricts the search to one repository when
// non-zero.
func (s *Store) FindPackages(ctx context.Context, term constraint.Term, arch string, repoID int64) ([]models.Package, error) {
	q := `SELECT ` + packageColumns + `
	      FROM packages p JOIN repositories r ON r.id = p.repository_id
	      WHERE p.name = ?`
	args := []interface{}{term.Name}
	if repoID != 0 {
		q += ` AND p.repository_id = ?`
		args = append(args, repoID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: term.Name, Err: err}
	}
	defer rows.Close()
	var out []models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, &models.CatalogError{Type: models.ErrStorage, Context: term.Name, Err: err}
		}
		if !archMatches(p.Architecture, arch) {
			continue
		}
		if !term.Matches(p.Version) {
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: term.Name, Err: err}
	}
	sortCandidates(out, arch, term.Eco)
	return out, nil
}

// FindProviders returns packages that declare the term's name as a virtual
// provision. A versioned constraint only matches provisions that declare a
// version; an unversioned provision cannot satisfy a versioned dependency.
func (s *Store) FindProviders(ctx context.Context, term constraint.Term, arch string, repoID int64) ([]models.Package, error) {
	q := `SELECT ` + packageColumns + `, v.version
	      FROM provisions v
	      JOIN packages p ON p.id = v.package_id
	      JOIN repositories r ON r.id = p.repository_id
	      WHERE v.name = ?`
	args := []interface{}{term.Name}
	if repoID != 0 {
		q += ` AND p.repository_id = ?`
		args = append(args, repoID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: term.Name, Err: err}
	}
	defer rows.Close()
	var out []models.Package
	for rows.Next() {
		var p models.Package
		var declared string
		err := rows.Scan(&p.ID, &p.ComponentID, &p.RepositoryID, &p.Name, &p.Version,
			&p.Architecture, &p.Description, &p.Homepage, &p.URL, &p.Filename, &p.SHA256Sum,
			&p.InstalledSize, &p.Depends, &p.Provides, &p.RepoPriority, &declared)
		if err != nil {
			return nil, &models.CatalogError{Type: models.ErrStorage, Context: term.Name, Err: err}
		}
		if !archMatches(p.Architecture, arch) {
			continue
		}
		if term.Relation != constraint.RelNone {
			if declared == "" || !term.Matches(declared) {
				continue
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: term.Name, Err: err}
	}
	sortCandidates(out, arch, term.Eco)
	return out, nil
}

// Candidates returns every package satisfying any term of the alternative
// set: direct name matches first, then virtual providers, deduplicated by
// package identity.
func (s *Store) Candidates(ctx context.Context, set constraint.AlternativeSet, arch string, repoID int64) ([]models.Package, error) {
	var out []models.Package
	seen := make(map[int64]struct{})
	for _, term := range set {
		direct, err := s.FindPackages(ctx, term, arch, repoID)
		if err != nil {
			return nil, err
		}
		providers, err := s.FindProviders(ctx, term, arch, repoID)
		if err != nil {
			return nil, err
		}
		for _, p := range append(direct, providers...) {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

// PackageByID returns one package row by identity.
func (s *Store) PackageByID(ctx context.Context, id int64) (models.Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packageColumns+`
		 FROM packages p JOIN repositories r ON r.id = p.repository_id WHERE p.id = ?`, id)
	if err != nil {
		return models.Package{}, &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return models.Package{}, &models.CatalogError{Type: models.ErrStorage, Err: sql.ErrNoRows}
	}
	p, err := scanPackage(rows)
	if err != nil {
		return models.Package{}, &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	return p, nil
}

// ResolvedDependencies returns the packages recorded as unambiguous
// dependency edges of the given package.
func (s *Store) ResolvedDependencies(ctx context.Context, childID int64) ([]models.Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packageColumns+`
		 FROM dependencies d
		 JOIN packages p ON p.id = d.parent
		 JOIN repositories r ON r.id = p.repository_id
		 WHERE d.child = ?`, childID)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Err: err}
	}
	defer rows.Close()
	var out []models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, &models.CatalogError{Type: models.ErrStorage, Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SearchText runs a relevance-ranked full-text search over package name,
// description and homepage. Tokens are porter-stemmed and
// diacritics-insensitive.
func (s *Store) SearchText(ctx context.Context, query string) ([]models.Package, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packageColumns+`
		 FROM packages_fts f
		 JOIN packages p ON p.id = f.rowid
		 JOIN repositories r ON r.id = p.repository_id
		 WHERE packages_fts MATCH ?
		 ORDER BY f.rank`, match)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: query, Err: err}
	}
	defer rows.Close()
	var out []models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, &models.CatalogError{Type: models.ErrStorage, Context: query, Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FileMatch is one reverse-lookup hit: a path and its owning package.
type FileMatch struct {
	Path    string
	Command string
	Package models.Package
}

// SearchFiles runs a substring search over file paths and command names
// using the trigram index; unlike SearchText it does not respect word
// boundaries, since paths are not natural-language text. Queries shorter
// than three bytes cannot be answered by a trigram index and return no
// matches.
func (s *Store) SearchFiles(ctx context.Context, query string) ([]FileMatch, error) {
	if len(query) < 3 {
		return nil, nil
	}
	match := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
	rows, err := s.db.QueryContext(ctx,
		`SELECT fl.path, fl.command, `+packageColumns+`
		 FROM files_fts f
		 JOIN files fl ON fl.id = f.rowid
		 JOIN packages p ON p.id = fl.package_id
		 JOIN repositories r ON r.id = p.repository_id
		 WHERE files_fts MATCH ?
		 ORDER BY f.rank`, match)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: query, Err: err}
	}
	defer rows.Close()
	var out []FileMatch
	for rows.Next() {
		var m FileMatch
		err := rows.Scan(&m.Path, &m.Command,
			&m.Package.ID, &m.Package.ComponentID, &m.Package.RepositoryID,
			&m.Package.Name, &m.Package.Version, &m.Package.Architecture,
			&m.Package.Description, &m.Package.Homepage, &m.Package.URL,
			&m.Package.Filename, &m.Package.SHA256Sum, &m.Package.InstalledSize,
			&m.Package.Depends, &m.Package.Provides, &m.Package.RepoPriority)
		if err != nil {
			return nil, &models.CatalogError{Type: models.ErrStorage, Context: query, Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into an FTS5 match expression, quoting each
// token so user input cannot inject FTS syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
