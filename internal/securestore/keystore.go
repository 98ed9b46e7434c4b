package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Keystore is a single sealed JSON document on disk.
type Keystore struct {
	path       string
	passphrase string
	params     KDFParams
}

func NewKeystore(path, passphrase string) *Keystore {
	return &Keystore{path: path, passphrase: passphrase, params: DefaultKDF}
}

// WithKDF changes the costs used by later saves. Existing files keep the
// costs they were sealed with until rewritten.
func (k *Keystore) WithKDF(p KDFParams) *Keystore {
	k.params = p
	return k
}

func (k *Keystore) Path() string { return k.path }

// Save seals v and replaces the file through a temp file rename.
func (k *Keystore) Save(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer zero(payload)
	return k.write(k.passphrase, payload)
}

// Load opens the file and unmarshals the plaintext into v. A missing file
// reports an error matching os.ErrNotExist.
func (k *Keystore) Load(v any) error {
	plaintext, err := k.read()
	if err != nil {
		return err
	}
	defer zero(plaintext)
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrCorrupt
	}
	return nil
}

// Rekey re-seals the file under newPassphrase with a fresh salt and nonce.
// The keystore keeps using the old passphrase if anything fails.
func (k *Keystore) Rekey(newPassphrase string) error {
	plaintext, err := k.read()
	if err != nil {
		return err
	}
	defer zero(plaintext)
	if err := k.write(newPassphrase, plaintext); err != nil {
		return err
	}
	k.passphrase = newPassphrase
	return nil
}

func (k *Keystore) read() ([]byte, error) {
	raw, err := os.ReadFile(k.path)
	if err != nil {
		return nil, err
	}
	return unseal(k.passphrase, raw)
}

func (k *Keystore) write(passphrase string, payload []byte) error {
	sealed, err := seal(passphrase, k.params, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return err
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}
