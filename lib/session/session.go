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

// Package session defines the database access session record and an
// in-memory registry used as the reference session store.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Status describes the lifecycle state of a session.
type Status string

const (
	// StatusActive means the session may be used to open query channels.
	StatusActive Status = "active"
	// StatusEnded means the session was closed by its owner.
	StatusEnded Status = "ended"
	// StatusTerminated means the session was closed administratively.
	StatusTerminated Status = "terminated"
)

// NewID returns a new random session identifier.
func NewID() string {
	return uuid.NewString()
}

// Session is one database access session. The secret material that
// backs it lives in the credential cache, never on this record.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`
	// Owner is the user the session belongs to.
	Owner string `json:"owner"`
	// DatabaseName is the display name of the target database.
	DatabaseName string `json:"database_name"`
	// Status is the session lifecycle state.
	Status Status `json:"status"`
	// Expires is when the session stops being usable regardless of
	// status.
	Expires time.Time `json:"expires"`
}

// Ended returns true if the session was ended or terminated.
func (s *Session) Ended() bool {
	return s.Status == StatusEnded || s.Status == StatusTerminated
}

// Expired returns true if the session is past its expiry timestamp.
func (s *Session) Expired(clock clockwork.Clock) bool {
	return !s.Expires.IsZero() && clock.Now().After(s.Expires)
}

// Registry is a thread-safe in-memory session store. It implements the
// session lookup collaborator interface of the web handler.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// UpsertSession stores the session record, replacing any previous one
// with the same ID.
func (r *Registry) UpsertSession(s Session) error {
	if s.ID == "" {
		return trace.BadParameter("missing session ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

// GetSession returns the session with the given ID, or trace.NotFound.
func (r *Registry) GetSession(ctx context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, trace.NotFound("session %v not found", id)
	}
	return s, nil
}

// EndSession marks the session ended. Unknown IDs return trace.NotFound.
func (r *Registry) EndSession(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return trace.NotFound("session %v not found", id)
	}
	s.Status = status
	r.sessions[id] = s
	return nil
}

// DeleteSession removes the session record entirely.
func (r *Registry) DeleteSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}
