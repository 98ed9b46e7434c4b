// Package securestore keeps the node keystore sealed on disk with an
// argon2id-derived key and XChaCha20-Poly1305.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileHeader    = "SMKEYSTORE1\n"
	formatVersion = 1
	saltSize      = 16
	kdfName       = "argon2id"
)

// Cost bounds accepted when opening a keystore.
const (
	minKDFTime     = 1
	maxKDFTime     = 16
	minKDFMemoryKB = 8 * 1024
	maxKDFMemoryKB = 1024 * 1024
	maxKDFThreads  = 16
)

var (
	ErrPassphraseRequired = errors.New("keystore passphrase is required")
	ErrWrongPassphrase    = errors.New("keystore passphrase is wrong or the file was modified")
	ErrCorrupt            = errors.New("keystore file is corrupt")
	ErrNotSealed          = errors.New("keystore file is not sealed")
	ErrUnsupportedKDF     = errors.New("keystore kdf parameters are out of range")
)

// KDFParams are the argon2id costs recorded in each keystore file.
type KDFParams struct {
	Time     uint32 `json:"time"`
	MemoryKB uint32 `json:"memory_kb"`
	Threads  uint8  `json:"threads"`
}

// DefaultKDF is used for every newly sealed keystore.
var DefaultKDF = KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

func (p KDFParams) validate() error {
	switch {
	case p.Time < minKDFTime || p.Time > maxKDFTime:
		return ErrUnsupportedKDF
	case p.MemoryKB < minKDFMemoryKB || p.MemoryKB > maxKDFMemoryKB:
		return ErrUnsupportedKDF
	case p.Threads == 0 || p.Threads > maxKDFThreads:
		return ErrUnsupportedKDF
	}
	return nil
}

type sealedFile struct {
	Version    uint32    `json:"version"`
	KDF        string    `json:"kdf"`
	Params     KDFParams `json:"params"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

func seal(passphrase string, params KDFParams, plaintext []byte) ([]byte, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseRequired
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, params)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(sealedFile{
		Version:    formatVersion,
		KDF:        kdfName,
		Params:     params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(fileHeader)),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(fileHeader), raw...), nil
}

func unseal(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), fileHeader) {
		return nil, ErrNotSealed
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseRequired
	}
	var f sealedFile
	if err := json.Unmarshal(data[len(fileHeader):], &f); err != nil {
		return nil, ErrCorrupt
	}
	if f.Version != formatVersion || f.KDF != kdfName {
		return nil, ErrCorrupt
	}
	if len(f.Salt) != saltSize || len(f.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrCorrupt
	}
	if err := f.Params.validate(); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, f.Salt, f.Params)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, f.Nonce, f.Ciphertext, []byte(fileHeader))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
