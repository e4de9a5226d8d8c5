package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"GaslessRelayer/internal/model"
)

var (
	// ErrStateNotFound is returned by Load when nothing has been persisted yet.
	ErrStateNotFound = errors.New("ledger state not found")
	// ErrStateCorrupt is returned by Load when the stored document cannot be parsed.
	ErrStateCorrupt = errors.New("ledger state corrupt")
)

// Store reads and replaces the whole ledger document.
type Store interface {
	Load() (*model.LedgerState, error)
	Save(state *model.LedgerState) error
}

// boltScheme selects the bbolt-backed store in a state store location.
const boltScheme = "bolt://"

// OpenStore picks a store implementation from a location string:
// "bolt:///path/to/db" for bbolt, anything else is a JSON file path.
// The returned close function is never nil.
func OpenStore(location string) (Store, func() error, error) {
	if strings.HasPrefix(location, boltScheme) {
		bs, err := OpenBoltStore(strings.TrimPrefix(location, boltScheme))
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	}
	return NewFileStore(location), func() error { return nil }, nil
}

// FileStore keeps the ledger as a JSON document on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the ledger document.
func (f *FileStore) Load() (*model.LedgerState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return decodeState(data)
}

// Save replaces the ledger document. The write goes through a temp file and
// rename so a crash never leaves a half-written document behind.
func (f *FileStore) Save(state *model.LedgerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func decodeState(data []byte) (*model.LedgerState, error) {
	var state model.LedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if state.Totals.Native < 0 || state.Totals.Stable < 0 {
		return nil, fmt.Errorf("%w: negative totals", ErrStateCorrupt)
	}
	if state.PerUser == nil {
		state.PerUser = make(map[string]model.Usage)
	}
	for user, u := range state.PerUser {
		if u.Native < 0 || u.Stable < 0 {
			return nil, fmt.Errorf("%w: negative amounts for user %s", ErrStateCorrupt, user)
		}
	}
	return &state, nil
}
