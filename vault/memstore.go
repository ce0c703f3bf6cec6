/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package vault

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemStore is an in-process Store for tests and for hosts without a durable
// backend. Entries never expire on their own; the vault's own expiry check
// governs credential lifetime.
type MemStore struct {
	cache *gocache.Cache
}

// NewMemStore creates an in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Get returns the value for key if present.
func (s *MemStore) Get(key string) (string, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Set stores value under key, replacing any previous value.
func (s *MemStore) Set(key, value string) {
	s.cache.Set(key, value, gocache.NoExpiration)
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *MemStore) Remove(key string) {
	s.cache.Delete(key)
}
