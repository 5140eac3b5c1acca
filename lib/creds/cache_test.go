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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	require.Equal(t, 0, cache.Len())

	bundle := Bundle{
		RelayAddr: "relay.example.com:8443",
		Database:  Database{Username: "app", Password: "hunter2", Name: "orders"},
	}
	cache.Set("sid-1", bundle)
	cache.Set("sid-2", Bundle{RelayAddr: "relay2.example.com"})

	require.True(t, cache.Has("sid-1"))
	got, ok := cache.Get("sid-1")
	require.True(t, ok)
	require.Equal(t, bundle, got)
	require.Equal(t, 2, cache.Len())
	require.ElementsMatch(t, []string{"sid-1", "sid-2"}, cache.Keys())

	// one bundle per session: a second Set replaces the first
	cache.Set("sid-1", Bundle{RelayAddr: "other.example.com"})
	got, _ = cache.Get("sid-1")
	require.Equal(t, "other.example.com", got.RelayAddr)
	require.Equal(t, 2, cache.Len())

	require.True(t, cache.Delete("sid-1"))
	require.False(t, cache.Delete("sid-1"))
	_, ok = cache.Get("sid-1")
	require.False(t, ok)

	cache.Clear()
	require.Equal(t, 0, cache.Len())
	require.Empty(t, cache.Keys())
}
