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

package postgres

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	"github.com/dbtunnel/dbtunnel/lib/defaults"
)

// ExecutionError reports a failed statement. It carries a bounded
// preview of the statement text and the database error code, never the
// session credentials.
type ExecutionError struct {
	// Preview is the statement text truncated to
	// defaults.QueryPreviewChars characters.
	Preview string
	// Code is the SQLSTATE error code when the database reported one,
	// empty otherwise.
	Code string

	cause error
}

func newExecutionError(query string, cause error) *ExecutionError {
	e := &ExecutionError{
		Preview: previewQuery(query),
		cause:   cause,
	}
	var pgErr *pgconn.PgError
	if errors.As(cause, &pgErr) {
		e.Code = pgErr.Code
	}
	return e
}

// Error returns the failure with the statement preview appended.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %v (query: %q)", e.cause, e.Preview)
}

// Unwrap returns the underlying failure.
func (e *ExecutionError) Unwrap() error {
	return e.cause
}

// IsAuthFailure reports whether the database rejected the session
// credentials rather than the statement.
func (e *ExecutionError) IsAuthFailure() bool {
	switch e.Code {
	case pgerrcode.InvalidPassword, pgerrcode.InvalidAuthorizationSpecification:
		return true
	}
	return false
}

// IsExecutionError reports whether err is an ExecutionError.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}

// previewQuery truncates the statement down to a size safe to carry in
// errors and logs.
func previewQuery(query string) string {
	if utf8.RuneCountInString(query) <= defaults.QueryPreviewChars {
		return query
	}
	runes := []rune(query)
	return string(runes[:defaults.QueryPreviewChars]) + "..."
}
