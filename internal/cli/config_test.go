package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crosspkg.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
catalog = "/tmp/crosspkg-test/catalog.db"
arch = "arm64"

[[repository]]
name = "debian"
url = "https://deb.example.org/debian"
format = "deb"
suites = ["stable", "testing"]
components = ["main", "contrib"]
keyring = "/etc/keyrings/debian.gpg"

[[repository]]
name = "fedora"
url = "https://rpm.example.org/fedora/39"
format = "rpm"

[[repository]]
name = "workbench"
local_dir = "/srv/packages"
format = "deb"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Arch != "arm64" {
		t.Errorf("arch = %q", cfg.Arch)
	}
	if cfg.Workers != 4 {
		t.Errorf("workers default = %d, want 4", cfg.Workers)
	}
	if len(cfg.Repositories) != 3 {
		t.Fatalf("got %d repositories", len(cfg.Repositories))
	}

	deb := cfg.Repositories[0]
	if len(deb.Arches) != 1 || deb.Arches[0] != "arm64" {
		t.Errorf("deb arches = %v, want the global default", deb.Arches)
	}
	specs := deb.ComponentURLs()
	if len(specs) != 4 {
		t.Fatalf("got %d deb components, want suites x components", len(specs))
	}
	want := "https://deb.example.org/debian/dists/stable/main/binary-arm64"
	if specs[0].url != want {
		t.Errorf("component url = %q, want %q", specs[0].url, want)
	}

	rpm := cfg.Repositories[1]
	rpmSpecs := rpm.ComponentURLs()
	if len(rpmSpecs) != 1 || rpmSpecs[0].url != rpm.URL {
		t.Errorf("rpm components = %v, want the repository root", rpmSpecs)
	}

	if cfg.Repositories[2].LocalDir != "/srv/packages" {
		t.Errorf("local_dir = %q", cfg.Repositories[2].LocalDir)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", ``},
		{"no name", "[[repository]]\nurl = \"https://x\"\nformat = \"deb\"\n"},
		{"no url or dir", "[[repository]]\nname = \"x\"\nformat = \"deb\"\n"},
		{"both url and dir", "[[repository]]\nname = \"x\"\nurl = \"https://x\"\nlocal_dir = \"/y\"\nformat = \"deb\"\n"},
		{"bad format", "[[repository]]\nname = \"x\"\nurl = \"https://x\"\nformat = \"msi\"\n"},
		{"duplicate name", "[[repository]]\nname = \"x\"\nurl = \"https://x\"\nformat = \"deb\"\n\n[[repository]]\nname = \"x\"\nurl = \"https://y\"\nformat = \"deb\"\n"},
	}
	for _, c := range cases {
		path := writeConfig(t, c.content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: LoadConfig accepted invalid config", c.name)
		}
	}
}
