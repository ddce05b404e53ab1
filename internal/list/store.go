package list

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhanikabulath/mailman3/internal/lock"
)

const configName = "config.json"

// Store manages the list data directory. One Store is shared by all
// runners of a process.
type Store struct {
	dataDir     string
	lockDir     string
	lockTimeout time.Duration
}

func NewStore(dataDir, lockDir string, lockTimeout time.Duration) *Store {
	return &Store{dataDir: dataDir, lockDir: lockDir, lockTimeout: lockTimeout}
}

// dirFor maps a posting address to the list's directory. The address is
// lowercased so lookups are stable regardless of the casing mail arrives
// with.
func (s *Store) dirFor(name string) string {
	return filepath.Join(s.dataDir, strings.ToLower(name))
}

// Exists reports whether a list with the given posting address is known.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dirFor(name), configName))
	return err == nil
}

// Names returns the posting addresses of all known lists, in directory
// order (which is lexicographic on most systems after sorting by ReadDir).
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list store: %w", err)
	}

	var names []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dataDir, ent.Name(), configName)); err != nil {
			continue
		}
		names = append(names, ent.Name())
	}
	return names, nil
}

// Load reads the list record without taking its lock. Use for read-only
// access where a slightly stale view is acceptable (alias generation,
// RCPT-time existence checks).
func (s *Store) Load(name string) (*List, error) {
	dir := s.dirFor(name)
	data, err := os.ReadFile(filepath.Join(dir, configName))
	if err != nil {
		return nil, fmt.Errorf("list store: load %s: %w", name, err)
	}

	l := &List{}
	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("list store: load %s: %w", name, err)
	}
	l.dir = dir
	if l.Members == nil {
		l.Members = map[string]*Member{}
	}
	return l, nil
}

// Lock acquires the per-list lock and then loads the record, so the
// caller sees the newest state and may mutate it. Release the lock after
// Save.
//
// On contention past the configured timeout lock.ErrTimeout is returned;
// it is temporary, so runners requeue the triggering entry.
func (s *Store) Lock(name string) (*List, *lock.Lock, error) {
	lk, err := s.lockList(name)
	if err != nil {
		return nil, nil, err
	}

	l, err := s.Load(name)
	if err != nil {
		lk.Unlock()
		return nil, nil, err
	}
	return l, lk, nil
}

func (s *Store) lockList(name string) (*lock.Lock, error) {
	path := filepath.Join(s.lockDir, strings.ToLower(name)+".lock")
	return lock.Acquire(path, s.lockTimeout)
}

// Save writes the record back atomically. The caller must hold the list
// lock; Save itself does not check.
func (s *Store) Save(l *List) error {
	dir := s.dirFor(l.Name)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("list store: save %s: %w", l.Name, err)
	}

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("list store: save %s: %w", l.Name, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("list store: save %s: %w", l.Name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("list store: save %s: %w", l.Name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("list store: save %s: %w", l.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("list store: save %s: %w", l.Name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, configName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("list store: save %s: %w", l.Name, err)
	}

	l.dir = dir
	return nil
}

// Create persists a brand new list. Fails if the list already exists.
func (s *Store) Create(l *List) error {
	if s.Exists(l.Name) {
		return fmt.Errorf("list store: %s already exists", l.Name)
	}
	return s.Save(l)
}

// DigestMboxPath is the accumulation mailbox of the list.
func (s *Store) DigestMboxPath(l *List) string {
	return filepath.Join(s.dirFor(l.Name), "digest.mbox")
}

// PendingDBPath is the confirmation token database of the list.
func (s *Store) PendingDBPath(l *List) string {
	return filepath.Join(s.dirFor(l.Name), "pending.db")
}
