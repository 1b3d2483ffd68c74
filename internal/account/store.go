package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/opencode-plugins/codex-auto-switch/internal/config"
)

// StorageVersion is the on-disk schema version.
const StorageVersion = 1

// StorageFileName is the account set file under the opencode config dir.
const StorageFileName = "codex-switch-accounts.json"

// ErrStorageCorrupt marks a storage file that parses as JSON but lacks an
// accounts array. The store recovers by returning empty storage.
var ErrStorageCorrupt = errors.New("account storage corrupt")

// Storage is the durable representation of the account set.
type Storage struct {
	Version     int        `json:"version"`
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`
}

// Store reads and writes the account set file. It is a pure value-in /
// value-out module; the manager holds the reference, never vice versa.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore builds a store for the given file path; an empty path resolves
// to the conventional location.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

// DefaultPath returns the conventional account set location.
func DefaultPath() string {
	return filepath.Join(config.ConfigDir(), StorageFileName)
}

// Path returns the storage file path.
func (s *Store) Path() string { return s.path }

// storedAccount overlays Account with a nullable enabled flag so that
// hand-edited files missing the key default to enabled.
type storedAccount struct {
	Account
	Enabled *bool `json:"enabled"`
}

// Load reads the account set from disk. A missing file yields empty
// storage. Entries without a refresh token are discarded; duplicates by
// refresh token are coalesced keeping the entry with the greatest
// last_used; activeIndex is clamped into range. The returned storage is
// always usable; the error reports recoverable corruption.
func (s *Store) Load() (*Storage, error) {
	empty := &Storage{Version: StorageVersion, Accounts: []*Account{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("read %s: %w", s.path, err)
	}

	if !gjson.ValidBytes(data) {
		log.Warnf("account store: %s is not valid JSON, starting empty", s.path)
		return empty, ErrStorageCorrupt
	}
	if !gjson.GetBytes(data, "accounts").IsArray() {
		log.Warnf("account store: %s has no accounts array, starting empty", s.path)
		return empty, ErrStorageCorrupt
	}

	var raw struct {
		Version     int              `json:"version"`
		Accounts    []*storedAccount `json:"accounts"`
		ActiveIndex int              `json:"activeIndex"`
	}
	if err = json.Unmarshal(data, &raw); err != nil {
		log.Warnf("account store: failed to decode %s: %v, starting empty", s.path, err)
		return empty, ErrStorageCorrupt
	}

	accounts := make([]*Account, 0, len(raw.Accounts))
	byToken := make(map[string]int, len(raw.Accounts))
	for _, stored := range raw.Accounts {
		if stored == nil || strings.TrimSpace(stored.RefreshToken) == "" {
			continue
		}
		acct := stored.Account
		acct.Enabled = stored.Enabled == nil || *stored.Enabled
		if prev, ok := byToken[acct.RefreshToken]; ok {
			if acct.LastUsed > accounts[prev].LastUsed {
				accounts[prev] = &acct
			}
			continue
		}
		byToken[acct.RefreshToken] = len(accounts)
		accounts = append(accounts, &acct)
	}
	for i := range accounts {
		accounts[i].Index = i
	}

	activeIndex := raw.ActiveIndex
	if activeIndex < 0 || activeIndex >= len(accounts) {
		activeIndex = 0
	}

	return &Storage{
		Version:     StorageVersion,
		Accounts:    accounts,
		ActiveIndex: activeIndex,
	}, nil
}

// Save serialises the storage and atomically replaces the target file via
// a randomly-suffixed sibling temp file. Concurrent saves serialise on an
// internal lock.
func (s *Store) Save(st *Storage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st == nil {
		st = &Storage{Version: StorageVersion, Accounts: []*Account{}}
	}
	st.Version = StorageVersion
	if len(st.Accounts) == 0 {
		st.ActiveIndex = 0
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("account store: marshal failed: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("account store: create dir failed: %w", err)
	}
	ensureGitignore(dir)

	tmp, err := os.CreateTemp(dir, StorageFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("account store: create temp failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("account store: write temp failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("account store: close temp failed: %w", err)
	}
	_ = os.Chmod(tmpName, 0o600)
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("account store: rename failed: %w", err)
	}
	return nil
}

// ensureGitignore keeps the storage file and its temp pattern out of
// version control. Best-effort; failures are only logged.
func ensureGitignore(dir string) {
	entries := []string{StorageFileName, StorageFileName + ".*.tmp"}
	path := filepath.Join(dir, ".gitignore")

	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	}
	lines := make(map[string]bool)
	for _, line := range strings.Split(existing, "\n") {
		lines[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, entry := range entries {
		if !lines[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return
	}

	out := existing
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += strings.Join(missing, "\n") + "\n"
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		log.Debugf("account store: gitignore update failed: %v", err)
	}
}
