package localrepo

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/parser"
)

// parseDebPackage extracts the control stanza and data file list from a
// .deb archive and converts them into a raw package record.
func parseDebPackage(path string) (models.RawPackageRecord, error) {
	control, files, err := readDebArchive(path)
	if err != nil {
		return models.RawPackageRecord{}, err
	}

	// A control file is a single Packages-style stanza.
	recs, err := parser.Parse(models.FormatDeb, bytes.NewReader(control))
	if err != nil {
		return models.RawPackageRecord{}, err
	}
	if len(recs) != 1 {
		return models.RawPackageRecord{}, &models.CatalogError{
			Type:    models.ErrMetadataParse,
			Context: path,
			Err:     fmt.Errorf("control file does not contain exactly one stanza"),
		}
	}
	rec := recs[0]
	rec.Files = files

	rec.SHA256Sum, err = fileSHA256(path)
	if err != nil {
		return models.RawPackageRecord{}, err
	}
	return rec, nil
}

// readDebArchive walks the outer ar archive of a .deb and returns the
// control file plus the data archive's file entries.
func readDebArchive(path string) ([]byte, []models.FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &models.CatalogError{Type: models.ErrMetadataParse, Context: path, Err: err}
	}
	defer f.Close()

	wrap := func(err error) error {
		return &models.CatalogError{Type: models.ErrMetadataParse, Context: path, Err: err}
	}

	// Skip the ar global header ("!<arch>\n").
	header := make([]byte, 8)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, nil, wrap(err)
	}

	var control []byte
	var files []models.FileEntry
	for {
		arHeader := make([]byte, 60)
		if _, err := io.ReadFull(f, arHeader); err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, wrap(err)
		}

		// Member name is space-padded in the first 16 bytes; some ar
		// writers append a trailing slash.
		name := strings.TrimRight(strings.TrimSpace(string(arHeader[0:16])), "/")
		var size int64
		fmt.Sscanf(strings.TrimSpace(string(arHeader[48:58])), "%d", &size)

		switch {
		case strings.HasPrefix(name, "control.tar"):
			data := make([]byte, size)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, nil, wrap(err)
			}
			control, err = extractControlFromTar(data)
			if err != nil {
				return nil, nil, wrap(err)
			}
		case strings.HasPrefix(name, "data.tar"):
			data := make([]byte, size)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, nil, wrap(err)
			}
			files, err = listDataFiles(data)
			if err != nil {
				return nil, nil, wrap(err)
			}
		default:
			if _, err := f.Seek(size, io.SeekCurrent); err != nil {
				return nil, nil, wrap(err)
			}
		}

		// ar members are 2-byte aligned.
		if size%2 != 0 {
			if _, err := f.Seek(1, io.SeekCurrent); err != nil {
				return nil, nil, wrap(err)
			}
		}
	}

	if control == nil {
		return nil, nil, wrap(fmt.Errorf("control.tar not found in package"))
	}
	return control, files, nil
}

// extractControlFromTar finds the control file inside control.tar, which
// may be compressed with any of the index compressions.
func extractControlFromTar(data []byte) ([]byte, error) {
	payload, err := parser.Decompress(data)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(bytes.NewReader(payload))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Name == "./control" || header.Name == "control" {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("control file not found in control.tar")
}

// listDataFiles collects the regular files shipped by the data archive.
func listDataFiles(data []byte) ([]models.FileEntry, error) {
	payload, err := parser.Decompress(data)
	if err != nil {
		return nil, err
	}
	var files []models.FileEntry
	tr := tar.NewReader(bytes.NewReader(payload))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg && header.Typeflag != tar.TypeSymlink {
			continue
		}
		p := "/" + strings.TrimLeft(strings.TrimPrefix(header.Name, "."), "/")
		files = append(files, models.FileEntry{Path: p, Command: parser.CommandName(p)})
	}
	return files, nil
}
