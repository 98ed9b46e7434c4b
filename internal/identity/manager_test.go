package identity

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"socialmesh/go-node/internal/securestore"
)

func TestManagerPersistsAndReloadsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")
	m := NewManager(path, "pass")
	kp, created, err := m.LoadOrCreate()
	if err != nil {
		t.Fatalf("load or create failed: %v", err)
	}
	if !created {
		t.Fatal("expected a new identity on empty keystore")
	}

	reloaded := NewManager(path, "pass")
	again, created, err := reloaded.LoadOrCreate()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if created {
		t.Fatal("expected identity to be loaded, not created")
	}
	if again.DID != kp.DID || again.SecretHex() != kp.SecretHex() {
		t.Fatal("reloaded identity differs")
	}

	if _, _, err := NewManager(path, "wrong").LoadOrCreate(); !errors.Is(err, securestore.ErrWrongPassphrase) {
		t.Fatalf("expected auth failure with wrong passphrase, got %v", err)
	}
}

func TestManagerMnemonicRoundtrip(t *testing.T) {
	m := NewManager("", "")
	kp, _, err := m.LoadOrCreate()
	if err != nil {
		t.Fatalf("load or create failed: %v", err)
	}
	mnemonic, err := m.ExportMnemonic()
	if err != nil {
		t.Fatalf("export mnemonic failed: %v", err)
	}
	if words := len(strings.Fields(mnemonic)); words != 24 {
		t.Fatalf("expected 24 words, got %d", words)
	}

	other := NewManager("", "")
	restored, err := other.ImportMnemonic("  " + mnemonic + "\n")
	if err != nil {
		t.Fatalf("import mnemonic failed: %v", err)
	}
	if restored.DID != kp.DID {
		t.Fatalf("expected %q, got %q", kp.DID, restored.DID)
	}
	if got, ok := other.Keypair(); !ok || got.DID != kp.DID {
		t.Fatal("imported identity should be installed")
	}
	if _, err := other.ImportMnemonic("not a valid phrase"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestManagerExportWithoutIdentity(t *testing.T) {
	if _, err := NewManager("", "").ExportMnemonic(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestManagerInstallSignalsChange(t *testing.T) {
	m := NewManager("", "")
	if _, _, err := m.LoadOrCreate(); err != nil {
		t.Fatalf("load or create failed: %v", err)
	}
	changed := m.Changed()
	select {
	case <-changed:
		t.Fatal("change signalled before install")
	default:
	}
	next, err := NewKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	if err := m.Install(next); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	select {
	case <-changed:
	default:
		t.Fatal("expected install to close the change channel")
	}
	if m.Changed() == changed {
		t.Fatal("expected a fresh change channel after install")
	}
}

func TestManagerChangePassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")
	m := NewManager(path, "old")
	kp, _, err := m.LoadOrCreate()
	if err != nil {
		t.Fatalf("load or create failed: %v", err)
	}
	if err := m.ChangePassphrase("new"); err != nil {
		t.Fatalf("change passphrase failed: %v", err)
	}
	if _, _, err := NewManager(path, "old").LoadOrCreate(); !errors.Is(err, securestore.ErrWrongPassphrase) {
		t.Fatalf("old passphrase should be rejected, got %v", err)
	}
	again, created, err := NewManager(path, "new").LoadOrCreate()
	if err != nil || created || again.DID != kp.DID {
		t.Fatalf("new passphrase should load the same identity: created=%v err=%v", created, err)
	}
	if err := NewManager("", "").ChangePassphrase("x"); !errors.Is(err, ErrNoKeystore) {
		t.Fatalf("expected ErrNoKeystore, got %v", err)
	}
}
