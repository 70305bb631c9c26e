package localrepo

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/ralt/crosspkg/internal/models"
)

var (
	// Debian packages are ar archives whose first member is debian-binary.
	debMagic = []byte("!<arch>\ndebian")

	// RPM lead magic.
	rpmMagic = []byte{0xED, 0xAB, 0xEE, 0xDB}
)

// DetectFormat determines the package format from magic bytes, falling
// back to the file extension for truncated or unusual files.
func DetectFormat(path string) (models.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.FormatUnknown, err
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return models.FormatUnknown, err
	}
	header = header[:n]
	ext := filepath.Ext(path)

	if bytes.HasPrefix(header, debMagic) || ext == ".deb" {
		return models.FormatDeb, nil
	}
	if bytes.HasPrefix(header, rpmMagic) || ext == ".rpm" {
		return models.FormatRpm, nil
	}
	return models.FormatUnknown, nil
}
