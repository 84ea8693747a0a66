// Package kvstore implements a volatile string key/value store with
// optimistic transactions.
//
// A transaction snapshots every key the first time it touches it and
// buffers its writes locally. Commit validates all snapshots against the
// store and either applies every buffered write or none of them.
package kvstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNoSuchKey    = errors.New("no such key")
	ErrInvalidState = errors.New("transaction already completed")
)

// ConflictError is returned by Commit when keys read or written by the
// transaction were modified in the store after the transaction first
// touched them.
type ConflictError struct {
	Keys []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of keys: %s", strings.Join(e.Keys, ", "))
}

// Store is a thread-safe in-memory key/value store. The zero value is not
// usable; create one with New.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Find returns the value for key and whether it exists.
func (s *Store) Find(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Get returns the value for key or ErrNoSuchKey.
func (s *Store) Get(key string) (string, error) {
	v, ok := s.Find(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchKey, key)
	}
	return v, nil
}

// Set stores value under key and returns the previous value, if any.
func (s *Store) Set(key, value string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data[key]
	s.data[key] = value
	return prev, ok
}

// Delete removes key and returns the previous value, if any.
func (s *Store) Delete(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data[key]
	delete(s.data, key)
	return prev, ok
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Clear drops every key.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
}

// Begin opens a transaction. The caller must finish it with Commit or
// Rollback; Update does both automatically.
func (s *Store) Begin() *Tx {
	return &Tx{
		store:    s,
		snapshot: make(map[string]entry),
		writes:   make(map[string]entry),
	}
}

// Update runs fn inside a transaction and commits it when fn returns nil.
// The transaction is rolled back on error or panic.
func (s *Store) Update(fn func(tx *Tx) error) error {
	tx := s.Begin()
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// entry is a value slot; present=false marks an absent key or a tombstone.
type entry struct {
	value   string
	present bool
}

// Tx is an isolated view over a Store. A Tx is not safe for concurrent use.
type Tx struct {
	store    *Store
	snapshot map[string]entry // value of each touched key at first touch
	writes   map[string]entry // buffered writes; present=false is a delete
	done     bool
}

// Find returns the transaction-local value for key.
func (tx *Tx) Find(key string) (string, bool, error) {
	if tx.done {
		return "", false, ErrInvalidState
	}
	if w, ok := tx.writes[key]; ok {
		return w.value, w.present, nil
	}
	e := tx.touch(key)
	return e.value, e.present, nil
}

// Get returns the transaction-local value for key or ErrNoSuchKey.
func (tx *Tx) Get(key string) (string, error) {
	v, ok, err := tx.Find(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchKey, key)
	}
	return v, nil
}

// Set buffers a write and returns the previous transaction-local value.
func (tx *Tx) Set(key, value string) (string, bool, error) {
	return tx.put(key, entry{value: value, present: true})
}

// Delete buffers a delete and returns the previous transaction-local value.
func (tx *Tx) Delete(key string) (string, bool, error) {
	return tx.put(key, entry{})
}

func (tx *Tx) put(key string, e entry) (string, bool, error) {
	prev, ok, err := tx.Find(key)
	if err != nil {
		return "", false, err
	}
	tx.writes[key] = e
	return prev, ok, nil
}

// touch snapshots key from the store on first access.
func (tx *Tx) touch(key string) entry {
	if e, ok := tx.snapshot[key]; ok {
		return e
	}
	v, ok := tx.store.Find(key)
	e := entry{value: v, present: ok}
	tx.snapshot[key] = e
	return e
}

// Commit validates every snapshot and applies the buffered writes.
// On conflict nothing is applied and a *ConflictError names every
// offending key. The transaction is finished either way.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrInvalidState
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []string
	for key, snap := range tx.snapshot {
		cur, ok := s.data[key]
		if ok != snap.present || cur != snap.value {
			conflicts = append(conflicts, key)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &ConflictError{Keys: conflicts}
	}

	for key, w := range tx.writes {
		if w.present {
			s.data[key] = w.value
		} else {
			delete(s.data, key)
		}
	}
	return nil
}

// Rollback discards the transaction. Calling it on a finished transaction
// returns ErrInvalidState, which deferred calls can ignore.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrInvalidState
	}
	tx.done = true
	tx.snapshot = nil
	tx.writes = nil
	return nil
}
