package localrepo

import (
	"os"
	"strings"

	"github.com/sassoftware/go-rpmutils"

	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/parser"
)

// Dependency sense flags from the RPM header format.
const (
	rpmSenseLess    = 0x02
	rpmSenseGreater = 0x04
	rpmSenseEqual   = 0x08
)

// parseRpmPackage reads the header of an .rpm file and converts it into
// a raw package record.
func parseRpmPackage(path string) (models.RawPackageRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.RawPackageRecord{}, &models.CatalogError{Type: models.ErrMetadataParse, Context: path, Err: err}
	}
	defer f.Close()

	rpm, err := rpmutils.ReadRpm(f)
	if err != nil {
		return models.RawPackageRecord{}, &models.CatalogError{Type: models.ErrMetadataParse, Context: path, Err: err}
	}
	nevra, err := rpm.Header.GetNEVRA()
	if err != nil {
		return models.RawPackageRecord{}, &models.CatalogError{Type: models.ErrMetadataParse, Context: path, Err: err}
	}

	version := nevra.Version
	if nevra.Epoch != "" && nevra.Epoch != "0" {
		version = nevra.Epoch + ":" + version
	}
	if nevra.Release != "" {
		version += "-" + nevra.Release
	}

	rec := models.RawPackageRecord{
		Name:          nevra.Name,
		Version:       version,
		Architecture:  nevra.Arch,
		Description:   headerString(rpm.Header, rpmutils.SUMMARY),
		Homepage:      headerString(rpm.Header, rpmutils.URL),
		InstalledSize: headerInt(rpm.Header, rpmutils.SIZE),
		Depends:       headerExpression(rpm.Header, rpmutils.REQUIRENAME, rpmutils.REQUIREVERSION, rpmutils.REQUIREFLAGS),
		Provides:      headerExpression(rpm.Header, rpmutils.PROVIDENAME, rpmutils.PROVIDEVERSION, rpmutils.PROVIDEFLAGS),
	}

	if files, err := rpm.Header.GetFiles(); err == nil {
		for _, fi := range files {
			rec.Files = append(rec.Files, models.FileEntry{
				Path:    fi.Name(),
				Command: parser.CommandName(fi.Name()),
			})
		}
	}

	rec.SHA256Sum, err = fileSHA256(path)
	if err != nil {
		return models.RawPackageRecord{}, err
	}
	return rec, nil
}

// headerExpression renders the parallel name/version/flags arrays of an
// RPM dependency tag into the textual constraint grammar. Internal
// rpmlib() capabilities are dropped.
func headerExpression(hdr *rpmutils.RpmHeader, nameTag, versionTag, flagsTag int) string {
	names, err := hdr.GetStrings(nameTag)
	if err != nil {
		return ""
	}
	versions, _ := hdr.GetStrings(versionTag)
	flags, _ := hdr.GetInts(flagsTag)

	terms := make([]string, 0, len(names))
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || strings.HasPrefix(name, "rpmlib(") {
			continue
		}
		rel := ""
		if i < len(flags) {
			rel = senseRelation(flags[i])
		}
		if rel == "" || i >= len(versions) || versions[i] == "" {
			terms = append(terms, name)
			continue
		}
		terms = append(terms, name+" ("+rel+" "+versions[i]+")")
	}
	return strings.Join(terms, ", ")
}

func senseRelation(flags int) string {
	switch {
	case flags&rpmSenseLess != 0 && flags&rpmSenseEqual != 0:
		return "<="
	case flags&rpmSenseGreater != 0 && flags&rpmSenseEqual != 0:
		return ">="
	case flags&rpmSenseLess != 0:
		return "<"
	case flags&rpmSenseGreater != 0:
		return ">"
	case flags&rpmSenseEqual != 0:
		return "="
	}
	return ""
}

func headerString(hdr *rpmutils.RpmHeader, tag int) string {
	vals, err := hdr.GetStrings(tag)
	if err != nil || len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func headerInt(hdr *rpmutils.RpmHeader, tag int) int64 {
	vals, err := hdr.GetInts(tag)
	if err != nil || len(vals) == 0 {
		return 0
	}
	return int64(vals[0])
}
