// Copyright 2025 The Terratile Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgis provides the single-connection query execution layer used
// by the datasource: synchronous and asynchronous statement execution over
// one PostgreSQL session, with a per-statement timeout budget and strict
// invalidation of the connection on any fatal failure.
package postgis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/terratile/postgis/go/pgclient"
	"github.com/terratile/postgis/go/pgwire"
)

const (
	// defaultStatementTimeout bounds the total wait for a blocking query.
	defaultStatementTimeout = 4000 * time.Millisecond

	// cursorNamePrefix prefixes generated server-side cursor names.
	cursorNamePrefix = "mapnik_"
)

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithStatementTimeout sets the total time budget for blocking query
// execution. A non-positive value means ExecuteQuery waits forever.
func WithStatementTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.statementTimeout = d
	}
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// Connection is one PostgreSQL session. It is not safe for concurrent use;
// the datasource serializes all access to a connection.
//
// Any fatal failure in a query operation closes the connection before the
// error is returned. After that, IsOK reports false and every subsequent
// operation fails fast until the caller discards the handle.
type Connection struct {
	conn *pgclient.Conn

	statementTimeout time.Duration
	closed           bool
	pending          bool
	cursorID         uint64
	logger           *slog.Logger
}

// Open establishes a connection described by a libpq-style conninfo string.
// A non-empty password is appended as a trailing key so it overrides any
// password already present in conninfo. The returned error for any failure
// has KindConnect and carries the original conninfo, without the appended
// password.
func Open(ctx context.Context, conninfo, password string, opts ...Option) (*Connection, error) {
	c := &Connection{
		statementTimeout: defaultStatementTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	full := conninfo
	if password != "" {
		full += " password=" + password
	}

	config, err := pgclient.ParseConnInfo(full)
	if err != nil {
		return nil, &Error{
			Kind:     KindConnect,
			Op:       "open",
			Status:   err.Error(),
			ConnInfo: conninfo,
			Err:      err,
		}
	}

	conn, err := pgclient.Connect(ctx, config)
	if err != nil {
		return nil, &Error{
			Kind:     KindConnect,
			Op:       "open",
			Status:   err.Error(),
			ConnInfo: conninfo,
			Err:      err,
		}
	}

	c.conn = conn
	c.logger.Debug("postgis: connection established",
		"host", config.Host, "port", config.Port, "dbname", config.Database)
	return c, nil
}

// Close shuts the connection down. It is idempotent: only the first call
// closes the socket, later calls are no-ops.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.logger.Debug("postgis: connection closed")
}

// IsOK reports whether the connection is usable.
func (c *Connection) IsOK() bool {
	return !c.closed && c.conn != nil && c.conn.Healthy()
}

// IsPending reports whether an asynchronous statement is in flight.
func (c *Connection) IsPending() bool {
	return c.pending
}

// Status returns a human-readable connection status: the server's last
// error text while the connection is healthy, "Bad connection" once it is
// broken or closed, and "Uninitialized connection" when no session was
// ever established.
func (c *Connection) Status() string {
	if c.conn == nil {
		return "Uninitialized connection"
	}
	if !c.IsOK() {
		return "Bad connection"
	}
	return c.conn.ErrorText()
}

// ClientEncoding returns the session's client_encoding parameter.
func (c *Connection) ClientEncoding() (string, error) {
	if !c.IsOK() {
		return "", &Error{Kind: KindProtocol, Op: "clientEncoding", Status: c.Status()}
	}
	return c.conn.ServerParam("client_encoding"), nil
}

// ServerVersion returns the session's server_version parameter, or ""
// when the connection is not usable.
func (c *Connection) ServerVersion() string {
	if !c.IsOK() {
		return ""
	}
	return c.conn.ServerParam("server_version")
}

// NewCursorName returns a fresh cursor name, unique within this connection.
// Names are cursorNamePrefix followed by a counter starting at 0.
func (c *Connection) NewCursorName() string {
	name := fmt.Sprintf("%s%d", cursorNamePrefix, c.cursorID)
	c.cursorID++
	return name
}

// Execute runs a statement for effect and reports success as a boolean.
// It never raises and never invalidates the connection: a send failure, a
// server error, or an unusable connection all report false. When the
// statement produces multiple results, the last one decides.
func (c *Connection) Execute(sql string) bool {
	if !c.IsOK() {
		return false
	}
	if err := c.conn.SendQuery(sql); err != nil {
		return false
	}

	ok := false
	for {
		res, err := c.conn.GetResult()
		if err != nil {
			return false
		}
		if res == nil {
			return ok
		}
		ok = res.Status == pgwire.StatusCommandOK
		res.Release()
	}
}

// ExecuteQuery runs a statement and blocks until its complete final result
// has arrived, within the connection's statement timeout budget. When the
// statement produces multiple results only the last is kept; earlier ones
// are released as they are superseded.
//
// Every failure after submission closes the connection: timeout, I/O
// failure, and a final result that is not row data all invalidate the
// handle before the error is returned.
func (c *Connection) ExecuteQuery(sql string, format pgwire.Format) (*ResultSet, error) {
	if err := c.send(sql, format, "executeQuery"); err != nil {
		return nil, err
	}

	start := time.Now()
	var result *pgwire.Result

	for {
		// Wait until a complete result is buffered, spending the remaining
		// budget on each readiness wait. The budget never resets between
		// results of the same statement.
		for {
			if err := c.conn.ConsumeInput(); err != nil {
				result.Release()
				return nil, c.failQuery("executeQuery", sql, KindTimeout, err.Error(), err)
			}
			if !c.conn.Busy() {
				break
			}

			remaining := c.statementTimeout - time.Since(start)
			if c.statementTimeout <= 0 {
				remaining = time.Hour
			}
			if err := c.conn.WaitReadable(remaining); err != nil {
				status := err.Error()
				if errors.Is(err, pgclient.ErrWaitTimeout) {
					status = fmt.Sprintf("timeout waiting for results (%v)", c.statementTimeout)
				}
				result.Release()
				return nil, c.failQuery("executeQuery", sql, KindTimeout, status, err)
			}
		}

		next, err := c.conn.GetResult()
		if err != nil {
			result.Release()
			return nil, c.failQuery("executeQuery", sql, KindTimeout, err.Error(), err)
		}
		if next == nil {
			break
		}
		result.Release()
		result = next
	}

	if result == nil || result.Status != pgwire.StatusTuplesOK {
		status := c.Status()
		if status == "" && result != nil {
			status = "unexpected result status " + result.Status.String()
		}
		result.Release()
		return nil, c.failQuery("executeQuery", sql, KindProtocol, status, nil)
	}

	return newResultSet(result), nil
}

// ExecuteAsyncQuery submits a statement without waiting for any result.
// A rejected submission drains previous results, closes the connection,
// and returns an error. On success the connection is marked pending until
// the result stream is drained or cleared.
func (c *Connection) ExecuteAsyncQuery(sql string, format pgwire.Format) error {
	if err := c.send(sql, format, "executeAsyncQuery"); err != nil {
		return err
	}
	c.pending = true
	return nil
}

// GetNextAsyncResult retrieves the next result of a pending asynchronous
// statement, blocking as needed. A result whose status is not row data
// drains the stream, closes the connection, and returns an error. When the
// stream is exhausted it returns an end-of-stream ResultSet (EOS reports
// true) and clears the pending flag.
func (c *Connection) GetNextAsyncResult(sql string) (*ResultSet, error) {
	res, err := c.conn.GetResult()
	if err != nil {
		c.clearAsyncResults()
		return nil, c.failQuery("getNextAsyncResult", sql, KindTimeout, err.Error(), err)
	}
	if res == nil {
		c.pending = false
		return newResultSet(nil), nil
	}
	if res.Status != pgwire.StatusTuplesOK {
		status := c.Status()
		if status == "" {
			status = "unexpected result status " + res.Status.String()
		}
		res.Release()
		c.clearAsyncResults()
		return nil, c.failQuery("getNextAsyncResult", sql, KindProtocol, status, nil)
	}
	return newResultSet(res), nil
}

// GetAsyncResult retrieves the next result of a pending asynchronous
// statement and requires it to be row data: both a missing result and a
// non-row result drain the stream, close the connection, and return an
// error.
func (c *Connection) GetAsyncResult(sql string) (*ResultSet, error) {
	res, err := c.conn.GetResult()
	if err != nil || res == nil || res.Status != pgwire.StatusTuplesOK {
		status := c.Status()
		if status == "" && res != nil {
			status = "unexpected result status " + res.Status.String()
		}
		res.Release()
		c.clearAsyncResults()
		return nil, c.failQuery("getAsyncResult", sql, KindProtocol, status, err)
	}
	return newResultSet(res), nil
}

// ConsumeInput reads whatever input is available without blocking.
// Callers poll it between readiness waits.
func (c *Connection) ConsumeInput() error {
	if !c.IsOK() {
		return &Error{Kind: KindProtocol, Op: "consumeInput", Status: c.Status()}
	}
	return c.conn.ConsumeInput()
}

// ResultReady reports whether a complete result is buffered and can be
// retrieved without blocking.
func (c *Connection) ResultReady() bool {
	return c.IsOK() && !c.conn.Busy()
}

// send validates the connection and submits sql in the requested result
// format. Submission failures are KindSend and do not close the connection;
// the transport already marked itself broken if the socket failed.
func (c *Connection) send(sql string, format pgwire.Format, op string) error {
	if !c.IsOK() {
		return &Error{Kind: KindSend, Op: op, Status: c.Status(), SQL: sql}
	}

	var err error
	if format == pgwire.FormatBinary {
		err = c.conn.SendQueryBinaryResult(sql)
	} else {
		err = c.conn.SendQuery(sql)
	}
	if err != nil {
		c.clearAsyncResults()
		status := c.conn.ErrorText()
		if status == "" {
			status = err.Error()
		}
		c.Close()
		return &Error{Kind: KindSend, Op: op, Status: status, SQL: sql, Err: err}
	}
	return nil
}

// failQuery captures the diagnostic, invalidates the connection, and
// composes the error. The status text is captured by the caller before
// Close flips it to "Bad connection".
func (c *Connection) failQuery(op, sql string, kind Kind, status string, cause error) error {
	c.pending = false
	c.Close()
	return &Error{Kind: kind, Op: op, Status: status, SQL: sql, Err: cause}
}

// clearAsyncResults drains and releases every result still queued for the
// statement in flight, then clears the pending flag. Drain errors are
// ignored; the connection is about to be invalidated anyway.
func (c *Connection) clearAsyncResults() {
	for {
		res, err := c.conn.GetResult()
		if err != nil || res == nil {
			break
		}
		res.Release()
	}
	c.pending = false
}
