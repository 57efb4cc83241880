// Package pairing implements the PairingStore of spec.md §3: a durable
// mapping of card instance UID (hex) to a pairing record, loaded lazily
// and flushed on every successful mutation so it survives process
// restart. Grounded on barnettlynn-nfctools/sdmconfig's yaml-backed
// config file idiom (gopkg.in/yaml.v3, atomic load/validate), adapted
// from a read-only config file to a read-write record store.
package pairing

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/status-keycard/keycard-go/keycard"
)

// record is the on-disk shape of one PairingInfo, keyed by hex instance
// UID in the surrounding map.
type record struct {
	Index int    `yaml:"index"`
	Key   string `yaml:"key"`
}

// Store is the durable instance-UID → PairingInfo mapping spec.md §3
// requires. Safe for concurrent use; the Session Manager and Flow Engine
// may consult it from different goroutines.
type Store struct {
	mu   sync.Mutex
	path string

	loaded  bool
	records map[string]record
}

// NewStore binds a Store to a file path without touching the filesystem;
// the file is read lazily on first Get/Put/Remove/Len call, per
// spec.md §3's "loaded lazily on first use".
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.records = make(map[string]record)
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("pairing: read store: %w", err)
	}
	records := make(map[string]record)
	if len(content) > 0 {
		if err := yaml.Unmarshal(content, &records); err != nil {
			return fmt.Errorf("pairing: parse store: %w", err)
		}
	}
	s.records = records
	s.loaded = true
	return nil
}

func (s *Store) flush() error {
	content, err := yaml.Marshal(s.records)
	if err != nil {
		return fmt.Errorf("pairing: marshal store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("pairing: create store directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return fmt.Errorf("pairing: write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("pairing: replace store: %w", err)
	}
	return nil
}

// Get returns the pairing record for instanceUID (16 raw bytes), if any.
func (s *Store) Get(instanceUID []byte) (keycard.PairingInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return keycard.PairingInfo{}, false, err
	}
	rec, ok := s.records[hex.EncodeToString(instanceUID)]
	if !ok {
		return keycard.PairingInfo{}, false, nil
	}
	key, err := hex.DecodeString(rec.Key)
	if err != nil {
		return keycard.PairingInfo{}, false, fmt.Errorf("pairing: corrupt key for %x: %w", instanceUID, err)
	}
	return keycard.PairingInfo{Index: rec.Index, Key: key}, true, nil
}

// Put stores (and immediately flushes) the pairing record for
// instanceUID, called after a successful PAIR (spec.md §3's "mutated by
// successful PAIR").
func (s *Store) Put(instanceUID []byte, info keycard.PairingInfo) error {
	if !info.Valid() {
		return fmt.Errorf("pairing: refusing to store invalid pairing info")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.records[hex.EncodeToString(instanceUID)] = record{
		Index: info.Index,
		Key:   hex.EncodeToString(info.Key),
	}
	return s.flush()
}

// Remove deletes the pairing record for instanceUID, if present, and
// flushes. Idempotent: removing an absent record is not an error.
func (s *Store) Remove(instanceUID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	key := hex.EncodeToString(instanceUID)
	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	return s.flush()
}

// Len reports the number of stored pairing records, mainly for tests.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	return len(s.records), nil
}
