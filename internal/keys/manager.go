package keys

import (
	"crypto/ecdsa"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNoPassphrase    = errors.New("keystore passphrase is empty")
)

// Manager holds encrypted secp256k1 keys. The same key signs on every
// network, so lookups ignore checksum case.
type Manager struct {
	ks         *keystore.KeyStore
	passphrase string
	dir        string
}

func NewManager(dir string, passphrase string) (*Manager, error) {
	return NewManagerWithScrypt(dir, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
}

// NewManagerWithScrypt lets tests use cheap key derivation.
func NewManagerWithScrypt(dir string, passphrase string, scryptN, scryptP int) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(dir, scryptN, scryptP)
	return &Manager{ks: ks, passphrase: passphrase, dir: dir}, nil
}

func (m *Manager) CreateAccount() (common.Address, error) {
	if m.passphrase == "" {
		return common.Address{}, ErrNoPassphrase
	}
	acct, err := m.ks.NewAccount(m.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

// Import stores an existing private key under the manager's passphrase.
func (m *Manager) Import(key *ecdsa.PrivateKey) (common.Address, error) {
	if m.passphrase == "" {
		return common.Address{}, ErrNoPassphrase
	}
	acct, err := m.ks.ImportECDSA(key, m.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

func (m *Manager) Accounts() []common.Address {
	acctList := m.ks.Accounts()
	out := make([]common.Address, 0, len(acctList))
	for _, acct := range acctList {
		out = append(out, acct.Address)
	}
	return out
}

func (m *Manager) FindAccount(addr common.Address) (accounts.Account, error) {
	acctList := m.ks.Accounts()
	for _, acct := range acctList {
		if acct.Address == addr {
			return acct, nil
		}
	}
	return accounts.Account{}, ErrAccountNotFound
}

// PrivateKey decrypts the key of addr.
func (m *Manager) PrivateKey(addr common.Address) (*ecdsa.PrivateKey, error) {
	if m.passphrase == "" {
		return nil, ErrNoPassphrase
	}
	keyJSON, err := m.ExportKeyJSON(addr)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(keyJSON, m.passphrase)
	if err != nil {
		return nil, err
	}
	if key.PrivateKey == nil {
		return nil, errors.New("private key not available")
	}
	return key.PrivateKey, nil
}

func (m *Manager) ExportKeyJSON(addr common.Address) ([]byte, error) {
	acct, err := m.FindAccount(addr)
	if err != nil {
		return nil, err
	}
	if acct.URL.Path == "" {
		return nil, errors.New("keystore path not found")
	}
	return os.ReadFile(acct.URL.Path)
}

func (m *Manager) KeystoreDir() string {
	return filepath.Clean(m.dir)
}

func (m *Manager) PassphraseSet() bool {
	return m.passphrase != ""
}
