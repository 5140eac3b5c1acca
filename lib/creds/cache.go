/*
 * DBTunnel
 * Copyright (C) 2026  DBTunnel OSS
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package creds

import "sync"

// Cache is a process-local store of session access bundles keyed by
// session ID. It holds at most one bundle per session and never writes
// anything to durable storage. Expiry is driven externally: session
// lifecycle events call Delete, the cache itself has no TTL logic.
//
// The cache is scoped to a single process. Deployments that scale the
// web tier horizontally need session affinity or an external shared
// store; see DESIGN.md.
type Cache struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
}

// NewCache creates an empty credential cache. The cache is an injected
// service: callers receive it by reference, there is no hidden global.
func NewCache() *Cache {
	return &Cache{bundles: make(map[string]Bundle)}
}

// Set stores the bundle for the session, replacing any previous one.
func (c *Cache) Set(id string, b Bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles[id] = b
}

// Get returns the bundle for the session. Absence is a normal state
// meaning the session is unusable, not an error.
func (c *Cache) Get(id string) (Bundle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bundles[id]
	return b, ok
}

// Has returns true if a bundle is stored for the session.
func (c *Cache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bundles[id]
	return ok
}

// Delete removes the session's bundle and reports whether one existed.
func (c *Cache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bundles[id]
	delete(c.bundles, id)
	return ok
}

// Keys returns the IDs of all cached sessions, for external expiry
// sweeps.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.bundles))
	for id := range c.bundles {
		keys = append(keys, id)
	}
	return keys
}

// Len returns the number of cached bundles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bundles)
}

// Clear drops all bundles. Used on shutdown and between tests.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles = make(map[string]Bundle)
}
