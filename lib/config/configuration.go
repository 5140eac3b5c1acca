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

// Package config reads the daemon configuration file.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/dbtunnel/dbtunnel/lib/defaults"
	"github.com/dbtunnel/dbtunnel/lib/utils"
)

// FileConfig is the YAML configuration file schema.
type FileConfig struct {
	// ListenAddr is the address the web API listens on, host:port.
	ListenAddr string `yaml:"listen_addr"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// KeepAliveInterval overrides the websocket ping period.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval,omitempty"`
	// HandshakeTimeout overrides the per-leg TLS handshake timeout.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
}

// ReadFromFile loads the configuration from a YAML file. Unknown
// fields are rejected to catch typos early.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	var fc FileConfig
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("failed to parse config file %v: %v", path, err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.ListenAddr == "" {
		fc.ListenAddr = utils.FormatAddr("127.0.0.1", defaults.HTTPListenPort)
	}
	if _, err := utils.ParseHostPort(fc.ListenAddr, defaults.HTTPListenPort); err != nil {
		return trace.Wrap(err)
	}
	if fc.KeepAliveInterval == 0 {
		fc.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if fc.KeepAliveInterval < 0 {
		return trace.BadParameter("keep_alive_interval must be positive")
	}
	if fc.HandshakeTimeout == 0 {
		fc.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if fc.HandshakeTimeout < 0 {
		return trace.BadParameter("handshake_timeout must be positive")
	}
	return nil
}
