package models

// Format identifies the native packaging ecosystem a repository speaks.
type Format int

const (
	FormatUnknown Format = iota
	FormatDeb
	FormatRpm
	FormatOpkg
	FormatBsdPkg
)

// String returns the string representation of Format
func (f Format) String() string {
	switch f {
	case FormatDeb:
		return "deb"
	case FormatRpm:
		return "rpm"
	case FormatOpkg:
		return "opkg"
	case FormatBsdPkg:
		return "pkg"
	default:
		return "unknown"
	}
}

// ParseFormat converts a configuration string into a Format.
func ParseFormat(s string) Format {
	switch s {
	case "deb":
		return FormatDeb
	case "rpm":
		return FormatRpm
	case "opkg", "ipk":
		return FormatOpkg
	case "pkg":
		return FormatBsdPkg
	default:
		return FormatUnknown
	}
}

// Repository is a named remote source of package metadata.
type Repository struct {
	ID       int64
	Name     string
	BaseURL  string
	Format   Format
	Priority int // Position in configuration; lower wins ties.
}

// Component is one retrievable metadata document, scoped to a
// suite/component/architecture triple of its owning repository.
type Component struct {
	ID           int64
	RepositoryID int64
	URL          string
	Suite        string
	Component    string
	Architecture string
}

// Package is a single installable unit as described by repository metadata.
// Version is an opaque string; ordering is defined only by the ecosystem's
// version comparator.
type Package struct {
	ID            int64
	ComponentID   int64
	RepositoryID  int64
	Name          string
	Version       string
	Architecture  string
	Description   string
	Homepage      string
	URL           string
	Filename      string
	SHA256Sum     string
	InstalledSize int64
	Depends       string
	Provides      string

	// Repository priority, carried on query results for tie-breaking.
	RepoPriority int
}

// Provision is a virtual name under which a package satisfies dependencies.
type Provision struct {
	PackageID int64
	Name      string
	Version   string // Empty when the provision is unversioned.
}

// FileEntry records a path owned by a package; Command marks entries that
// live in executable directories.
type FileEntry struct {
	PackageID int64
	Path      string
	Command   string // Basename for PATH entries, empty otherwise.
}

// RawPackageRecord carries the unparsed field strings of one package stanza
// as decoded by a format parser, before catalog normalization.
type RawPackageRecord struct {
	Name          string
	Version       string
	Architecture  string
	Description   string
	Homepage      string
	Filename      string
	SHA256Sum     string
	InstalledSize int64
	Depends       string
	Provides      string
	Files         []FileEntry
}

// Validators holds the cache validators memoized for one fetched document.
type Validators struct {
	ETag         string
	LastModified string
	Expires      int64 // Unix seconds; zero means no expiry recorded.
	Size         int64
}
