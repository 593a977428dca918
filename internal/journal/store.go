package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusMined     Status = "mined"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var ErrUnknownTransaction = errors.New("transaction not in journal")

// Entry is the last known state of one submitted transaction.
type Entry struct {
	Network       string    `json:"network"`
	Hash          string    `json:"hash"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Nonce         uint64    `json:"nonce"`
	Status        Status    `json:"status"`
	BlockNumber   uint64    `json:"block_number,omitempty"`
	Confirmations uint64    `json:"confirmations,omitempty"`
	Error         string    `json:"error,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store keeps submitted transactions in a JSON file, rewritten atomically on
// every change. An empty path keeps the journal in memory only.
type Store struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

type state struct {
	Transactions []Entry `json:"transactions"`
}

func New(path string) *Store {
	return &Store{path: path, entries: make(map[string]Entry), now: time.Now}
}

func (s *Store) Load() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return 0, err
	}
	for _, e := range st.Transactions {
		s.entries[e.Hash] = e
	}
	return len(st.Transactions), nil
}

// Submitted records a new pending transaction.
func (s *Store) Submitted(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	e.Status = StatusPending
	e.SubmittedAt = now
	e.UpdatedAt = now
	s.entries[e.Hash] = e
	return s.saveLocked()
}

func (s *Store) Mined(hash string, block uint64, reverted bool) error {
	return s.update(hash, func(e *Entry) {
		e.BlockNumber = block
		e.Status = StatusMined
		if reverted {
			e.Status = StatusFailed
			e.Error = "reverted"
		}
	})
}

func (s *Store) Confirmed(hash string, confirmations uint64, final bool) error {
	return s.update(hash, func(e *Entry) {
		e.Confirmations = confirmations
		if final {
			e.Status = StatusConfirmed
		}
	})
}

func (s *Store) Failed(hash string, cause error) error {
	return s.update(hash, func(e *Entry) {
		e.Status = StatusFailed
		if cause != nil {
			e.Error = cause.Error()
		}
	})
}

func (s *Store) Get(hash string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	return e, ok
}

// List returns every entry, newest submission first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].Hash < out[j].Hash
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

func (s *Store) update(hash string, fn func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, hash)
	}
	fn(&e)
	e.UpdatedAt = s.now().UTC()
	s.entries[hash] = e
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	st := state{Transactions: make([]Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		st.Transactions = append(st.Transactions, e)
	}
	sort.Slice(st.Transactions, func(i, j int) bool { return st.Transactions[i].Hash < st.Transactions[j].Hash })
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("journal rename: %w", err)
	}
	return nil
}
