// Package verify checks OpenPGP signatures on repository metadata
// against a configured keyring. Both armored and binary detached
// signatures are accepted, plus the inline cleartext form Debian uses
// for InRelease documents.
package verify

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/ralt/crosspkg/internal/models"
)

// Verifier validates detached and cleartext signatures against a trusted
// keyring.
type Verifier struct {
	keyring openpgp.EntityList
}

// NewVerifier loads a keyring from a file, trying armored form first and
// falling back to binary.
func NewVerifier(keyringPath string) (*Verifier, error) {
	if keyringPath == "" {
		return nil, &models.CatalogError{
			Type: models.ErrInvalidConfig,
			Err:  fmt.Errorf("keyring path is empty"),
		}
	}
	f, err := os.Open(keyringPath)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrVerify, Context: keyringPath, Err: err}
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		f.Seek(0, 0)
		keyring, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return nil, &models.CatalogError{Type: models.ErrVerify, Context: keyringPath, Err: err}
		}
	}
	if len(keyring) == 0 {
		return nil, &models.CatalogError{
			Type:    models.ErrVerify,
			Context: keyringPath,
			Err:     fmt.Errorf("no keys found in keyring"),
		}
	}
	return &Verifier{keyring: keyring}, nil
}

// NewVerifierFromKeyring wraps an already-parsed keyring.
func NewVerifierFromKeyring(keyring openpgp.EntityList) *Verifier {
	return &Verifier{keyring: keyring}
}

// Verify checks a detached signature over payload. The signature may be
// armored or binary.
func (v *Verifier) Verify(payload, signature []byte) error {
	_, err := openpgp.CheckArmoredDetachedSignature(
		v.keyring, bytes.NewReader(payload), bytes.NewReader(signature), nil)
	if err == nil {
		return nil
	}
	_, err = openpgp.CheckDetachedSignature(
		v.keyring, bytes.NewReader(payload), bytes.NewReader(signature), nil)
	if err != nil {
		return &models.CatalogError{Type: models.ErrVerify, Err: err}
	}
	return nil
}

// VerifyCleartext checks an inline cleartext-signed document and returns
// the signed body with the signature envelope stripped.
func (v *Verifier) VerifyCleartext(document []byte) ([]byte, error) {
	block, _ := clearsign.Decode(document)
	if block == nil {
		return nil, &models.CatalogError{
			Type: models.ErrVerify,
			Err:  fmt.Errorf("no cleartext signature block found"),
		}
	}
	_, err := openpgp.CheckDetachedSignature(
		v.keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, &models.CatalogError{Type: models.ErrVerify, Err: err}
	}
	return block.Plaintext, nil
}

// IsCleartext reports whether the document carries an inline cleartext
// signature rather than requiring a detached one.
func IsCleartext(document []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(document), []byte("-----BEGIN PGP SIGNED MESSAGE-----"))
}
