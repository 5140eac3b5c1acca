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

// Package postgres executes single statements over an established
// gateway transport by opening a short-lived postgres wire session
// with the session'"'"'s database credentials.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
	"unicode/utf8"

	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jonboulle/clockwork"

	"github.com/dbtunnel/dbtunnel"
	"github.com/dbtunnel/dbtunnel/lib/creds"
	"github.com/dbtunnel/dbtunnel/lib/defaults"
)

// Request is one immutable query request.
type Request struct {
	// Query is the statement text, 1 to 10,000 characters.
	Query string
	// MaxRows caps the returned row sequence. Defaults to
	// defaults.DefaultMaxRows.
	MaxRows int
	// Timeout bounds the whole execution. Defaults to
	// defaults.DefaultQueryTimeout.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the request bounds and fills in
// defaults.
func (r *Request) CheckAndSetDefaults() error {
	length := utf8.RuneCountInString(r.Query)
	if length == 0 {
		return trace.BadParameter("query must not be empty")
	}
	if length > defaults.MaxQueryChars {
		return trace.BadParameter("query exceeds maximum length of %v characters", defaults.MaxQueryChars)
	}
	if r.MaxRows == 0 {
		r.MaxRows = defaults.DefaultMaxRows
	}
	if r.MaxRows < 1 || r.MaxRows > defaults.MaxMaxRows {
		return trace.BadParameter("maxRows must be between 1 and %v", defaults.MaxMaxRows)
	}
	if r.Timeout == 0 {
		r.Timeout = defaults.DefaultQueryTimeout
	}
	if r.Timeout < defaults.MinQueryTimeout || r.Timeout > defaults.MaxQueryTimeout {
		return trace.BadParameter("timeout must be between %v and %v", defaults.MinQueryTimeout, defaults.MaxQueryTimeout)
	}
	return nil
}

// Field describes one result column.
type Field struct {
	// Name is the column name.
	Name string `json:"name"`
	// DataType is the postgres type name, e.g. "int4" or "text".
	DataType string `json:"dataType"`
}

// Result is the outcome of one executed statement. Rows are truncated
// to the request's row cap while RowCount reports the count before
// truncation.
type Result struct {
	// Rows holds the returned values as text, nil meaning SQL NULL.
	Rows [][]*string `json:"rows"`
	// RowCount is the number of rows the statement actually produced.
	RowCount int `json:"rowCount"`
	// Fields describes the result columns.
	Fields []Field `json:"fields"`
	// ExecutionTime is wall-clock time from submission to completion.
	ExecutionTime time.Duration `json:"-"`
}

// Executor opens one wire-protocol session per request over a shared
// gateway transport. It never tears the transport down; the transport
// is owned by the caller. Per-request sessions are deliberately not
// pooled, trading throughput for isolation on low-frequency
// interactive queries.
type Executor struct {
	// Clock measures execution time. Defaults to the real clock.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults fills in executor defaults.
func (e *Executor) CheckAndSetDefaults() error {
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	if e.Log == nil {
		e.Log = slog.With(dbtunnel.ComponentKey, dbtunnel.ComponentPostgres)
	}
	return nil
}

// hostPlaceholder satisfies pgconn's requirement for a hostname; the
// actual transport is supplied through DialFunc and the name is never
// resolved.
const hostPlaceholder = "gateway"

// Execute runs exactly one statement over conn using the supplied
// database credentials and returns its bounded result. The wire
// session is always torn down afterwards, success or failure; conn
// itself stays open.
func (e *Executor) Execute(ctx context.Context, conn net.Conn, db creds.Database, req Request) (*Result, error) {
	if err := e.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	config, err := pgconn.ParseConfig(fmt.Sprintf("postgres://%s?sslmode=disable", hostPlaceholder))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	config.User = db.Username
	config.Password = db.Password
	config.Database = db.Name
	config.ConnectTimeout = req.Timeout
	config.RuntimeParams = map[string]string{"application_name": "dbtunnel"}
	// The transport already exists; hand it to the driver and keep the
	// driver's teardown away from it.
	shielded := &keepOpenConn{Conn: conn}
	config.LookupFunc = func(context.Context, string) ([]string, error) {
		return []string{hostPlaceholder}, nil
	}
	config.DialFunc = func(context.Context, string, string) (net.Conn, error) {
		return shielded, nil
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := e.Clock.Now()
	pgConn, err := pgconn.ConnectConfig(ctx, config)
	if err != nil {
		return nil, trace.Wrap(newExecutionError(req.Query, err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), defaults.DatabaseTeardownTimeout)
		defer cancel()
		if err := pgConn.Close(closeCtx); err != nil {
			e.Log.DebugContext(closeCtx, "Failed to close database wire session", "error", err)
		}
	}()

	results, err := pgConn.Exec(ctx, req.Query).ReadAll()
	elapsed := e.Clock.Since(start)
	if err != nil {
		return nil, trace.Wrap(newExecutionError(req.Query, err))
	}

	result := buildResult(results, req.MaxRows)
	result.ExecutionTime = elapsed
	return result, nil
}

// buildResult converts the driver results into a bounded Result. A
// single statement produces a single driver result; should the
// statement sneak in several, the last result set wins, matching what
// interactive clients display.
func buildResult(results []*pgconn.Result, maxRows int) *Result {
	result := &Result{Rows: [][]*string{}, Fields: []Field{}}

	var picked *pgconn.Result
	for _, res := range results {
		if picked == nil || len(res.FieldDescriptions) > 0 {
			picked = res
		}
	}
	if picked == nil {
		return result
	}

	typeInfo := pgtype.NewConnInfo()
	for _, fd := range picked.FieldDescriptions {
		name := "?column?"
		if len(fd.Name) > 0 {
			name = string(fd.Name)
		}
		dataType := fmt.Sprintf("oid(%d)", fd.DataTypeOID)
		if dt, ok := typeInfo.DataTypeForOID(fd.DataTypeOID); ok {
			dataType = dt.Name
		}
		result.Fields = append(result.Fields, Field{Name: name, DataType: dataType})
	}

	result.RowCount = len(picked.Rows)
	limit := min(result.RowCount, maxRows)
	for _, row := range picked.Rows[:limit] {
		converted := make([]*string, len(row))
		for i, value := range row {
			if value == nil {
				continue
			}
			s := string(value)
			converted[i] = &s
		}
		result.Rows = append(result.Rows, converted)
	}
	return result
}

// keepOpenConn shields a shared transport from the driver: the driver
// believes it owns the connection and closes it on teardown, while the
// gateway transport must outlive every wire session.
type keepOpenConn struct {
	net.Conn
}

func (c *keepOpenConn) Close() error {
	return nil
}
