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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbtunnel/dbtunnel/lib/defaults"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbtunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadFromFile(t *testing.T) {
	t.Parallel()

	fc, err := ReadFromFile(writeConfig(t, `
listen_addr: 0.0.0.0:3091
debug: true
keep_alive_interval: 10s
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:3091", fc.ListenAddr)
	require.True(t, fc.Debug)
	require.Equal(t, 10*time.Second, fc.KeepAliveInterval)
	require.Equal(t, defaults.HandshakeTimeout, fc.HandshakeTimeout)
}

func TestReadFromFileDefaults(t *testing.T) {
	t.Parallel()

	fc, err := ReadFromFile(writeConfig(t, `{}`))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:3090", fc.ListenAddr)
	require.False(t, fc.Debug)
	require.Equal(t, defaults.KeepAliveInterval, fc.KeepAliveInterval)
}

func TestReadFromFileRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ReadFromFile(writeConfig(t, `listen_address: 0.0.0.0:3091`))
	require.Error(t, err)
}

func TestReadFromFileRejectsBadAddr(t *testing.T) {
	t.Parallel()

	_, err := ReadFromFile(writeConfig(t, `listen_addr: "localhost:notaport"`))
	require.Error(t, err)
}

func TestReadFromFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ReadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
