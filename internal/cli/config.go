package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/ralt/crosspkg/internal/models"
)

// Config is the crosspkg.toml file. Repository order in the file is the
// priority used to break ties between equal candidates.
type Config struct {
	// Catalog is the SQLite database path.
	Catalog string `toml:"catalog"`
	// Arch is the target architecture for resolution.
	Arch string `toml:"arch"`
	// Workers bounds concurrent component syncs.
	Workers int `toml:"workers"`

	Repositories []RepositoryConfig `toml:"repository"`
}

// RepositoryConfig describes one configured repository.
type RepositoryConfig struct {
	Name       string   `toml:"name"`
	URL        string   `toml:"url"`
	Format     string   `toml:"format"`
	Suites     []string `toml:"suites"`
	Components []string `toml:"components"`
	Arches     []string `toml:"arches"`
	Keyring    string   `toml:"keyring"`
	// LocalDir indexes a directory of built packages instead of a
	// remote mirror. Mutually exclusive with URL.
	LocalDir string `toml:"local_dir"`
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, &models.CatalogError{Type: models.ErrInvalidConfig, Context: path, Err: err}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	fail := func(format string, args ...interface{}) error {
		return &models.CatalogError{
			Type: models.ErrInvalidConfig,
			Err:  fmt.Errorf(format, args...),
		}
	}
	if len(c.Repositories) == 0 {
		return fail("no repositories configured")
	}
	seen := make(map[string]struct{})
	for i, r := range c.Repositories {
		if r.Name == "" {
			return fail("repository %d has no name", i+1)
		}
		if _, dup := seen[r.Name]; dup {
			return fail("duplicate repository name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.URL == "" && r.LocalDir == "" {
			return fail("repository %q needs a url or local_dir", r.Name)
		}
		if r.URL != "" && r.LocalDir != "" {
			return fail("repository %q has both url and local_dir", r.Name)
		}
		if models.ParseFormat(r.Format) == models.FormatUnknown {
			return fail("repository %q has unknown format %q", r.Name, r.Format)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Catalog == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			cache = "."
		}
		c.Catalog = filepath.Join(cache, "crosspkg", "catalog.db")
	}
	if c.Arch == "" {
		c.Arch = "amd64"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.Format == "deb" || r.Format == "opkg" {
			if len(r.Suites) == 0 {
				r.Suites = []string{"stable"}
			}
			if len(r.Components) == 0 {
				r.Components = []string{"main"}
			}
		}
		if len(r.Arches) == 0 {
			r.Arches = []string{c.Arch}
		}
	}
}

// ComponentURLs returns the metadata directory URLs for one repository,
// following each format's on-mirror layout.
func (r *RepositoryConfig) ComponentURLs() []componentSpec {
	format := models.ParseFormat(r.Format)
	switch format {
	case models.FormatDeb:
		var specs []componentSpec
		for _, suite := range r.Suites {
			for _, comp := range r.Components {
				for _, arch := range r.Arches {
					specs = append(specs, componentSpec{
						url:       fmt.Sprintf("%s/dists/%s/%s/binary-%s", r.URL, suite, comp, arch),
						suite:     suite,
						component: comp,
						arch:      arch,
					})
				}
			}
		}
		return specs
	case models.FormatOpkg:
		var specs []componentSpec
		for _, arch := range r.Arches {
			specs = append(specs, componentSpec{url: r.URL + "/" + arch, arch: arch})
		}
		return specs
	default:
		// RPM repodata lives directly under the repository URL.
		return []componentSpec{{url: r.URL}}
	}
}

type componentSpec struct {
	url       string
	suite     string
	component string
	arch      string
}
