package localrepo

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/ralt/crosspkg/internal/models"
)

// fileSHA256 streams a file through SHA-256.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &models.CatalogError{Type: models.ErrStorage, Context: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &models.CatalogError{Type: models.ErrStorage, Context: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
