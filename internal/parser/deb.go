package parser

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/crosspkg/internal/models"
)

// parsePackagesIndex parses a Debian-style Packages index: stanzas of
// `Field: value` lines separated by blank lines, with continuation lines
// indented. The opkg format is the same grammar with a smaller field set.
func parsePackagesIndex(data []byte) ([]models.RawPackageRecord, error) {
	var records []models.RawPackageRecord

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var rec *models.RawPackageRecord
	flush := func() {
		if rec == nil {
			return
		}
		if rec.Name == "" || rec.Version == "" {
			logrus.Warnf("parser: skipping stanza without package/version (near %q)", rec.Name)
		} else {
			records = append(records, *rec)
		}
		rec = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}

		// Continuation lines extend the previous field. Only the first
		// description line is kept for search and display, so they are
		// skipped wholesale.
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if rec == nil {
			rec = &models.RawPackageRecord{}
		}

		switch field {
		case "Package":
			rec.Name = value
		case "Version":
			rec.Version = value
		case "Architecture":
			rec.Architecture = value
		case "Description":
			rec.Description = value
		case "Homepage":
			rec.Homepage = value
		case "Filename":
			rec.Filename = value
		case "SHA256", "SHA256sum":
			rec.SHA256Sum = value
		case "Installed-Size":
			// Debian records installed size in KiB.
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				rec.InstalledSize = n * 1024
			}
		case "Size":
			if rec.InstalledSize == 0 {
				if n, err := strconv.ParseInt(value, 10, 64); err == nil {
					rec.InstalledSize = n
				}
			}
		case "Depends":
			rec.Depends = value
		case "Provides":
			rec.Provides = value
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, &models.CatalogError{Type: models.ErrMetadataParse, Err: err}
	}
	return records, nil
}
