package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/cluster"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrWrongType is returned when an operation is applied to a key holding
// the other kind of value
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// Store defines the interface for the slot-partitioned keyspace
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a string value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a string value with the given key
	// Overwrites any existing value for the key, whatever its kind
	Put(key string, value []byte) error

	// Delete removes a key
	// No error if key doesn't exist
	Delete(key string) error

	// Exists reports whether the key holds a value
	Exists(key string) bool

	// List returns all keys in the store
	// Order is not guaranteed
	List() []string

	// LPush prepends values to a list, creating it if needed
	// Returns the list length after the push
	LPush(key string, values ...[]byte) (int, error)

	// RPush appends values to a list, creating it if needed
	RPush(key string, values ...[]byte) (int, error)

	// LPop removes and returns the head of a list
	// Returns ErrKeyNotFound if the list doesn't exist; empty lists are removed
	LPop(key string) ([]byte, error)

	// LLen returns the list length, zero if the key doesn't exist
	LLen(key string) (int, error)

	// CountKeysInSlot returns the number of keys hashing to slot
	CountKeysInSlot(slot int) int

	// KeysInSlot returns up to count keys of a slot, sorted
	KeysInSlot(slot, count int) []string

	// DeleteSlot drops every key of a slot and returns how many were removed
	DeleteSlot(slot int) int

	// Dump returns a key with its value, for moving it to another node
	// Returns ErrKeyNotFound if the key doesn't exist
	Dump(key string) (Record, error)

	// Restore writes a dumped key, replacing any existing value
	Restore(rec Record) error

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// Record is a key with its value as it travels between nodes during a
// slot migration. List is set for list keys, Value for strings.
type Record struct {
	Key    string   `json:"key"`
	Value  []byte   `json:"value,omitempty"`
	List   [][]byte `json:"list,omitempty"`
	IsList bool     `json:"is_list,omitempty"`
}

// entry is one stored value. Exactly one of str or list is meaningful,
// selected by isList.
type entry struct {
	str    []byte
	list   [][]byte
	isList bool
}

func (e *entry) size() int {
	if !e.isList {
		return len(e.str)
	}
	n := 0
	for _, v := range e.list {
		n += len(v)
	}
	return n
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu    sync.RWMutex                // Protects concurrent access
	data  map[string]*entry           // Key-value storage
	slots map[int]map[string]struct{} // Slot -> keys index
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*entry),
		slots: make(map[int]map[string]struct{}),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	if e.isList {
		return nil, ErrWrongType
	}
	return clone(e.str), nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.set(key, &entry{str: clone(value)})
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(key)
	return nil
}

// Exists reports whether the key holds a value
func (m *MemoryStore) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.data[key]
	return exists
}

// List returns all keys in the store
// Returns a copy of the keys to prevent external modification
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// LPush prepends values one by one, so the last value ends up at the head
func (m *MemoryStore) LPush(key string, values ...[]byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.listEntry(key)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		e.list = append([][]byte{clone(v)}, e.list...)
	}
	return len(e.list), nil
}

// RPush appends values in order
func (m *MemoryStore) RPush(key string, values ...[]byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.listEntry(key)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		e.list = append(e.list, clone(v))
	}
	return len(e.list), nil
}

// LPop removes the head element, deleting the key once the list is empty
func (m *MemoryStore) LPop(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	if !e.isList {
		return nil, ErrWrongType
	}
	head := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		m.remove(key)
	}
	return head, nil
}

// LLen returns the list length
func (m *MemoryStore) LLen(key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.data[key]
	if !exists {
		return 0, nil
	}
	if !e.isList {
		return 0, ErrWrongType
	}
	return len(e.list), nil
}

// CountKeysInSlot returns the number of keys in a slot in O(1)
func (m *MemoryStore) CountKeysInSlot(slot int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.slots[slot])
}

// KeysInSlot returns up to count keys of a slot in lexicographic order
func (m *MemoryStore) KeysInSlot(slot, count int) []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.slots[slot]))
	for key := range m.slots[slot] {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	if count >= 0 && len(keys) > count {
		keys = keys[:count]
	}
	return keys
}

// DeleteSlot removes every key of a slot, used when the slot moves away
func (m *MemoryStore) DeleteSlot(slot int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.slots[slot] {
		delete(m.data, key)
		n++
	}
	delete(m.slots, slot)
	return n
}

// Dump copies a key and its value into a Record
func (m *MemoryStore) Dump(key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.data[key]
	if !exists {
		return Record{}, ErrKeyNotFound
	}
	if !e.isList {
		return Record{Key: key, Value: clone(e.str)}, nil
	}
	list := make([][]byte, len(e.list))
	for i, v := range e.list {
		list[i] = clone(v)
	}
	return Record{Key: key, List: list, IsList: true}, nil
}

// Restore stores a dumped key. An empty list restores as no key, the way
// popping the last element removes one.
func (m *MemoryStore) Restore(rec Record) error {
	if rec.Key == "" {
		return errors.New("record has no key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(rec.Key)
	if !rec.IsList {
		m.set(rec.Key, &entry{str: clone(rec.Value)})
		return nil
	}
	if len(rec.List) == 0 {
		return nil
	}
	list := make([][]byte, len(rec.List))
	for i, v := range rec.List {
		list[i] = clone(v)
	}
	m.set(rec.Key, &entry{list: list, isList: true})
	return nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, e := range m.data {
		totalBytes += e.size()
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// listEntry returns the list stored at key, creating it if absent.
// Caller must hold the write lock.
func (m *MemoryStore) listEntry(key string) (*entry, error) {
	e, exists := m.data[key]
	if !exists {
		e = &entry{isList: true}
		m.set(key, e)
		return e, nil
	}
	if !e.isList {
		return nil, ErrWrongType
	}
	return e, nil
}

// set stores e and indexes the key by slot. Caller must hold the write lock.
func (m *MemoryStore) set(key string, e *entry) {
	m.data[key] = e

	slot := cluster.KeySlot(key)
	keys := m.slots[slot]
	if keys == nil {
		keys = make(map[string]struct{})
		m.slots[slot] = keys
	}
	keys[key] = struct{}{}
}

// remove deletes key and its index entry. Caller must hold the write lock.
func (m *MemoryStore) remove(key string) {
	if _, exists := m.data[key]; !exists {
		return
	}
	delete(m.data, key)

	slot := cluster.KeySlot(key)
	delete(m.slots[slot], key)
	if len(m.slots[slot]) == 0 {
		delete(m.slots, slot)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
