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

package web

import (
	"errors"
	"time"

	"github.com/gravitational/trace"

	"github.com/dbtunnel/dbtunnel/lib/db/postgres"
)

// Channel message types, carried in the "type" field of every JSON
// message exchanged over the query websocket.
const (
	// MessageTypeExecuteQuery is the only client to server message.
	MessageTypeExecuteQuery = "execute_query"
	// MessageTypeConnected acknowledges an established channel.
	MessageTypeConnected = "connected"
	// MessageTypeQueryResult carries one successful query result.
	MessageTypeQueryResult = "query_result"
	// MessageTypeQueryError carries one failed query. The channel
	// stays open.
	MessageTypeQueryError = "query_error"
	// MessageTypeSessionExpired tells the client its session is gone
	// and reconnecting is pointless.
	MessageTypeSessionExpired = "session_expired"
)

// Error codes carried in query_error messages.
const (
	// ErrCodeValidation flags a malformed or out-of-bounds request.
	ErrCodeValidation = "validation_error"
	// ErrCodeBusy flags a request that arrived while another one was
	// still executing.
	ErrCodeBusy = "busy"
)

// Websocket close codes, observable by the client as distinct
// terminal states.
const (
	// CloseCodeGenericError covers tunnel establishment and other
	// internal failures.
	CloseCodeGenericError = 4000
	// CloseCodeSessionEnded means the session ended, expired or has
	// no credentials anymore.
	CloseCodeSessionEnded = 4001
	// CloseCodeForbidden means the caller may not read the session.
	CloseCodeForbidden = 4003
)

// ExecuteQueryMessage is the client to server request envelope.
type ExecuteQueryMessage struct {
	Type    string        `json:"type"`
	Query   string        `json:"query"`
	Options *QueryOptions `json:"options,omitempty"`
}

// QueryOptions are the optional per-request knobs.
type QueryOptions struct {
	// MaxRows caps the rows returned, 1 to 10,000.
	MaxRows int `json:"maxRows,omitempty"`
	// Timeout is the statement timeout in milliseconds, 1,000 to
	// 120,000.
	Timeout int `json:"timeout,omitempty"`
}

// request converts the wire message into a validated bridge request.
func (m *ExecuteQueryMessage) request() (postgres.Request, error) {
	req := postgres.Request{Query: m.Query}
	if m.Options != nil {
		req.MaxRows = m.Options.MaxRows
		req.Timeout = time.Duration(m.Options.Timeout) * time.Millisecond
	}
	if err := req.CheckAndSetDefaults(); err != nil {
		return postgres.Request{}, trace.Wrap(err)
	}
	return req, nil
}

// ConnectedMessage acknowledges channel establishment.
type ConnectedMessage struct {
	Type string `json:"type"`
}

// QueryResultMessage carries one query result to the client.
type QueryResultMessage struct {
	Type string      `json:"type"`
	Data QueryResult `json:"data"`
}

// QueryResult is the result payload. ExecutionTime is reported in
// milliseconds.
type QueryResult struct {
	Rows          [][]*string      `json:"rows"`
	RowCount      int              `json:"rowCount"`
	Fields        []postgres.Field `json:"fields"`
	ExecutionTime int64            `json:"executionTime"`
}

// QueryErrorMessage carries one failed query to the client.
type QueryErrorMessage struct {
	Type  string     `json:"type"`
	Error QueryError `json:"error"`
}

// QueryError is a structured error payload. It never carries stack
// traces or credential material.
type QueryError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SessionExpiredMessage tells the client the session expired
// mid-channel.
type SessionExpiredMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newResultMessage(result *postgres.Result) QueryResultMessage {
	return QueryResultMessage{
		Type: MessageTypeQueryResult,
		Data: QueryResult{
			Rows:          result.Rows,
			RowCount:      result.RowCount,
			Fields:        result.Fields,
			ExecutionTime: result.ExecutionTime.Milliseconds(),
		},
	}
}

func newErrorMessage(code, message string) QueryErrorMessage {
	return QueryErrorMessage{
		Type:  MessageTypeQueryError,
		Error: QueryError{Message: message, Code: code},
	}
}

// newExecutionErrorMessage maps a bridge failure onto the wire,
// surfacing the SQLSTATE code when the database reported one.
func newExecutionErrorMessage(err error) QueryErrorMessage {
	var execErr *postgres.ExecutionError
	if errors.As(err, &execErr) && execErr.Code != "" {
		return newErrorMessage(execErr.Code, trace.UserMessage(err))
	}
	return newErrorMessage("", trace.UserMessage(err))
}
