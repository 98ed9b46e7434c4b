package identity

import (
	"errors"
	"os"
	"strings"
	"sync"

	"socialmesh/go-node/internal/securestore"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrNoIdentity      = errors.New("identity is not initialized")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrNoKeystore      = errors.New("identity is not backed by a keystore file")
)

const keystoreVersion = 1

type keystoreRecord struct {
	Version   int    `json:"version"`
	DID       string `json:"did"`
	SecretHex string `json:"secret_hex"`
}

// Manager owns the local node identity and its sealed keystore file. An empty
// keystore path keeps the identity in memory only.
type Manager struct {
	mu    sync.RWMutex
	keys  Keypair
	store *securestore.Keystore

	// changed is closed and replaced every time Install succeeds.
	changed chan struct{}
}

func NewManager(keystorePath, passphrase string) *Manager {
	m := &Manager{changed: make(chan struct{})}
	if path := strings.TrimSpace(keystorePath); path != "" {
		m.store = securestore.NewKeystore(path, passphrase)
	}
	return m
}

// LoadOrCreate opens the keystore, creating and persisting a new identity when
// none exists yet. created reports whether a new identity was generated.
func (m *Manager) LoadOrCreate() (kp Keypair, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.keys.IsZero() {
		return m.keys, false, nil
	}
	if m.store != nil {
		var rec keystoreRecord
		err := m.store.Load(&rec)
		switch {
		case err == nil:
			loaded, err := KeypairFromSecret(rec.SecretHex)
			if err != nil {
				return Keypair{}, false, err
			}
			if rec.DID != "" && rec.DID != loaded.DID {
				return Keypair{}, false, securestore.ErrCorrupt
			}
			m.keys = loaded
			return loaded, false, nil
		case !errors.Is(err, os.ErrNotExist):
			return Keypair{}, false, err
		}
	}
	fresh, err := NewKeypair()
	if err != nil {
		return Keypair{}, false, err
	}
	if err := m.persistLocked(fresh); err != nil {
		return Keypair{}, false, err
	}
	m.keys = fresh
	return fresh, true, nil
}

func (m *Manager) Keypair() (Keypair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys, !m.keys.IsZero()
}

// Install replaces the local identity, e.g. after social recovery.
func (m *Manager) Install(kp Keypair) error {
	if kp.IsZero() {
		return ErrInvalidSecret
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(kp); err != nil {
		return err
	}
	m.keys = kp
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

// Changed returns a channel that is closed when the installed identity is
// replaced. Callers fetch a fresh channel after each change.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// ExportMnemonic encodes the 32-byte secret as a 24-word BIP-39 phrase.
func (m *Manager) ExportMnemonic() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys.IsZero() {
		return "", ErrNoIdentity
	}
	return bip39.NewMnemonic(m.keys.seed)
}

// ImportMnemonic restores and installs the identity encoded by mnemonic.
func (m *Manager) ImportMnemonic(mnemonic string) (Keypair, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return Keypair{}, ErrInvalidMnemonic
	}
	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil || len(seed) != secretSize {
		return Keypair{}, ErrInvalidMnemonic
	}
	kp, err := keypairFromSeed(seed)
	if err != nil {
		return Keypair{}, err
	}
	if err := m.Install(kp); err != nil {
		return Keypair{}, err
	}
	return kp, nil
}

// ChangePassphrase re-seals the keystore file under a new passphrase.
func (m *Manager) ChangePassphrase(passphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return ErrNoKeystore
	}
	return m.store.Rekey(passphrase)
}

func (m *Manager) persistLocked(kp Keypair) error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(keystoreRecord{
		Version:   keystoreVersion,
		DID:       kp.DID,
		SecretHex: kp.SecretHex(),
	})
}
