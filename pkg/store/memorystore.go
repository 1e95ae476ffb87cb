// Package store implements a simple key-value store.
package store

import (
	"errors"
	"sync"
)

var (
	ErrKeyExists      = errors.New("store: key already exists")
	ErrKeyDoesntExist = errors.New("store: key does not exist")
)

type Store interface {
	Set(key string, value interface{}) error
	Get(key string) (interface{}, error)
	Delete(key string) error
	Update(key string, newValue interface{}) error
	Keys() []string
}

type MemStore struct {
	lock  *sync.Mutex
	store map[string]interface{}
}

// NewMemStore returns an empty store. Each caller owns its own instance so
// concurrent runs and tests do not observe each other's keys.
func NewMemStore() Store {
	return &MemStore{
		lock:  new(sync.Mutex),
		store: make(map[string]interface{}),
	}
}

// Set is used to set a value to a key.
func (m *MemStore) Set(key string, value interface{}) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; ok {
		return ErrKeyExists
	}
	m.store[key] = value
	return nil
}

// Get is used to get a value from a key.
func (m *MemStore) Get(key string) (interface{}, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return nil, ErrKeyDoesntExist
	}
	return m.store[key], nil
}

// Delete removes the specified key and value.
func (m *MemStore) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	delete(m.store, key)
	return nil
}

// Update can be used to change the value for a given key.
func (m *MemStore) Update(key string, value interface{}) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	m.store[key] = value
	return nil
}

// Keys returns a snapshot of the stored keys in no particular order.
func (m *MemStore) Keys() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	keys := make([]string, 0, len(m.store))
	for k := range m.store {
		keys = append(keys, k)
	}
	return keys
}
