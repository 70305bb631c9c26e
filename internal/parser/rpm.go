package parser

import (
	"encoding/xml"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/crosspkg/internal/models"
)

// primary.xml structure per the repodata common/rpm schemas. Only the
// fields the catalog stores are decoded.
type primaryMetadata struct {
	XMLName  xml.Name         `xml:"metadata"`
	Packages []primaryPackage `xml:"package"`
}

type primaryPackage struct {
	Type        string      `xml:"type,attr"`
	Name        string      `xml:"name"`
	Arch        string      `xml:"arch"`
	Version     rpmVersion  `xml:"version"`
	Checksum    rpmChecksum `xml:"checksum"`
	Summary     string      `xml:"summary"`
	Description string      `xml:"description"`
	URL         string      `xml:"url"`
	Size        rpmSize     `xml:"size"`
	Location    rpmLocation `xml:"location"`
	Format      rpmFormat   `xml:"format"`
}

type rpmVersion struct {
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

type rpmChecksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type rpmSize struct {
	Package   int64 `xml:"package,attr"`
	Installed int64 `xml:"installed,attr"`
}

type rpmLocation struct {
	Href string `xml:"href,attr"`
}

type rpmFormat struct {
	Provides rpmEntryList `xml:"provides"`
	Requires rpmEntryList `xml:"requires"`
	Files    []string     `xml:"file"`
}

type rpmEntryList struct {
	Entries []rpmEntry `xml:"entry"`
}

type rpmEntry struct {
	Name  string `xml:"name,attr"`
	Flags string `xml:"flags,attr"`
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

// parsePrimaryXML decodes a repodata primary.xml document.
func parsePrimaryXML(data []byte) ([]models.RawPackageRecord, error) {
	var meta primaryMetadata
	if err := xml.Unmarshal(data, &meta); err != nil {
		return nil, &models.CatalogError{Type: models.ErrMetadataParse, Err: err}
	}

	records := make([]models.RawPackageRecord, 0, len(meta.Packages))
	for _, p := range meta.Packages {
		if p.Name == "" || p.Version.Ver == "" {
			logrus.Warnf("parser: skipping primary.xml entry without name/version (near %q)", p.Name)
			continue
		}
		rec := models.RawPackageRecord{
			Name:          p.Name,
			Version:       rpmVersionString(p.Version),
			Architecture:  p.Arch,
			Description:   firstNonEmpty(p.Summary, p.Description),
			Homepage:      p.URL,
			Filename:      p.Location.Href,
			InstalledSize: p.Size.Installed,
			Depends:       rpmExpression(p.Format.Requires.Entries),
			Provides:      rpmExpression(p.Format.Provides.Entries),
		}
		if strings.EqualFold(p.Checksum.Type, "sha256") {
			rec.SHA256Sum = strings.TrimSpace(p.Checksum.Value)
		}
		for _, f := range p.Format.Files {
			rec.Files = append(rec.Files, models.FileEntry{
				Path:    f,
				Command: CommandName(f),
			})
		}
		records = append(records, rec)
	}
	return records, nil
}

// rpmVersionString renders epoch:ver-rel, omitting the zero epoch and an
// empty release the way NEVRA strings are usually written.
func rpmVersionString(v rpmVersion) string {
	s := v.Ver
	if v.Epoch != "" && v.Epoch != "0" {
		s = v.Epoch + ":" + s
	}
	if v.Rel != "" {
		s += "-" + v.Rel
	}
	return s
}

// rpmExpression renders requires/provides entries into the textual
// constraint grammar the catalog stores. Internal rpmlib() capabilities
// describe installer features, not packages, and are dropped.
func rpmExpression(entries []rpmEntry) string {
	terms := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || strings.HasPrefix(e.Name, "rpmlib(") {
			continue
		}
		rel := rpmRelation(e.Flags)
		if rel == "" {
			terms = append(terms, e.Name)
			continue
		}
		terms = append(terms, e.Name+" ("+rel+" "+rpmVersionString(rpmVersion{Epoch: e.Epoch, Ver: e.Ver, Rel: e.Rel})+")")
	}
	return strings.Join(terms, ", ")
}

func rpmRelation(flags string) string {
	switch flags {
	case "EQ":
		return "="
	case "LT":
		return "<"
	case "LE":
		return "<="
	case "GT":
		return ">"
	case "GE":
		return ">="
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
