package keys

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func newTestManager(t *testing.T, passphrase string) *Manager {
	t.Helper()
	m, err := NewManagerWithScrypt(t.TempDir(), passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("NewManagerWithScrypt error: %v", err)
	}
	return m
}

func TestCreateAndDecrypt(t *testing.T) {
	m := newTestManager(t, "correct horse")
	addr, err := m.CreateAccount()
	if err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if got := m.Accounts(); len(got) != 1 || got[0] != addr {
		t.Fatalf("unexpected accounts %v", got)
	}
	key, err := m.PrivateKey(addr)
	if err != nil {
		t.Fatalf("PrivateKey error: %v", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != addr {
		t.Fatalf("decrypted key does not match account")
	}
	data, err := m.ExportKeyJSON(addr)
	if err != nil || len(data) == 0 {
		t.Fatalf("ExportKeyJSON error: %v", err)
	}
}

func TestImportKnownKey(t *testing.T) {
	m := newTestManager(t, "pw")
	key, err := crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("HexToECDSA error: %v", err)
	}
	addr, err := m.Import(key)
	if err != nil {
		t.Fatalf("Import error: %v", err)
	}
	got, err := m.PrivateKey(addr)
	if err != nil {
		t.Fatalf("PrivateKey error: %v", err)
	}
	if got.D.Cmp(key.D) != 0 {
		t.Fatalf("round-tripped key differs")
	}
}

func TestPassphraseRequired(t *testing.T) {
	m := newTestManager(t, "")
	if _, err := m.CreateAccount(); !errors.Is(err, ErrNoPassphrase) {
		t.Fatalf("expected passphrase error, got %v", err)
	}
	if m.PassphraseSet() {
		t.Fatalf("PassphraseSet should be false")
	}
}

func TestUnknownAccount(t *testing.T) {
	m := newTestManager(t, "pw")
	if _, err := m.PrivateKey(common.HexToAddress("0x01")); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := NewManager(" ", "pw"); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
