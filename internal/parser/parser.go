// Package parser turns repository metadata documents into raw package
// records. One parser per on-disk format: Debian/opkg `Packages` indices
// and RPM repodata `primary.xml`. Compressed documents are decompressed
// transparently by magic bytes. Parsing is tolerant per record: a
// malformed entry is skipped and logged, the rest of the document still
// ingests.
package parser

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ralt/crosspkg/internal/models"
)

// Parse decodes a metadata document of the given repository format.
func Parse(format models.Format, r io.Reader) ([]models.RawPackageRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrMetadataParse, Err: err}
	}
	data, err = Decompress(data)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrMetadataParse, Err: err}
	}

	switch format {
	case models.FormatDeb, models.FormatOpkg:
		return parsePackagesIndex(data)
	case models.FormatRpm:
		return parsePrimaryXML(data)
	default:
		return nil, &models.CatalogError{
			Type: models.ErrMetadataParse,
			Err:  fmt.Errorf("no metadata parser for format %s", format),
		}
	}
}

// CommandName returns the executable name a file entry exposes on PATH,
// or empty when the path is not in a binary directory.
func CommandName(filePath string) string {
	dir := path.Dir(filePath)
	switch {
	case strings.HasSuffix(dir, "/bin"), strings.HasSuffix(dir, "/sbin"),
		dir == "bin", dir == "sbin":
		return path.Base(filePath)
	}
	return ""
}
