// Package localrepo indexes a directory of built .deb/.rpm files as a
// synthetic catalog component, so locally produced packages resolve and
// search exactly like packages from a remote mirror. Package metadata is
// read straight out of the archives; the directory needs no index files.
package localrepo

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/crosspkg/internal/catalog"
	"github.com/ralt/crosspkg/internal/models"
)

// Scan walks dir and parses every package file it recognizes. Files that
// are not packages are ignored; a package that fails to parse is skipped
// with a warning so one broken artifact does not block the rest.
func Scan(dir string) ([]models.RawPackageRecord, error) {
	var records []models.RawPackageRecord
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		format, err := DetectFormat(path)
		if err != nil || format == models.FormatUnknown {
			return nil
		}

		var rec models.RawPackageRecord
		switch format {
		case models.FormatDeb:
			rec, err = parseDebPackage(path)
		case models.FormatRpm:
			rec, err = parseRpmPackage(path)
		default:
			return nil
		}
		if err != nil {
			logrus.Warnf("localrepo: skipping %s: %v", path, err)
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		rec.Filename = filepath.ToSlash(rel)
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrStorage, Context: dir, Err: err}
	}
	return records, nil
}

// IngestDir scans dir and replaces the synthetic component's rows with
// the result, using the same transactional path as a remote sync.
func IngestDir(ctx context.Context, store *catalog.Store, repo models.Repository, dir string) (int, error) {
	records, err := Scan(dir)
	if err != nil {
		return 0, err
	}

	componentURL := "file://" + filepath.ToSlash(strings.TrimRight(dir, "/"))
	component, err := store.AddComponent(ctx, repo, componentURL, "", "local", "")
	if err != nil {
		return 0, err
	}

	update, err := store.BeginUpdate(ctx, repo, component)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := update.AddPackage(ctx, rec); err != nil {
			update.Rollback()
			return 0, err
		}
	}
	if err := update.Commit(); err != nil {
		return 0, err
	}
	if err := store.ResolveDependencyEdges(ctx, repo, component); err != nil {
		return 0, err
	}
	logrus.Infof("localrepo: indexed %d packages from %s", len(records), dir)
	return len(records), nil
}
