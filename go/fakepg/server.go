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

// Package fakepg provides a fake PostgreSQL server for testing. It speaks
// the wire protocol over a real TCP socket and answers with pre-configured
// results, so client code can be exercised end to end without a database.
package fakepg

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// AuthMode selects the authentication exchange the server demands.
type AuthMode int

const (
	// AuthTrust accepts every connection without a password.
	AuthTrust AuthMode = iota

	// AuthCleartext demands the password in cleartext.
	AuthCleartext

	// AuthMD5 demands a salted MD5 password hash.
	AuthMD5

	// AuthSCRAM demands a full SCRAM-SHA-256 exchange.
	AuthSCRAM
)

// Result is one pre-configured result for a query. A query may be mapped to
// several Results to simulate multi-statement strings; each is delivered as
// its own result on the wire.
type Result struct {
	// Columns names the result columns. Empty means a command result.
	Columns []string

	// Rows holds the row values. A nil cell is delivered as NULL.
	Rows [][]any

	// CommandTag overrides the completion tag. Defaults to "SELECT <n>"
	// for row results.
	CommandTag string

	// ErrMsg, when set, makes this entry an ErrorResponse. It terminates
	// the response; later entries for the same query are not sent.
	ErrMsg string

	// ErrCode is the SQLSTATE for ErrMsg. Defaults to "42601".
	ErrCode string
}

// MakeResult builds a row result from column names and row values.
func MakeResult(columns []string, rows [][]any) *Result {
	return &Result{Columns: columns, Rows: rows}
}

// MakeCommandResult builds a rowless command result with the given tag.
func MakeCommandResult(tag string) *Result {
	return &Result{CommandTag: tag}
}

type patternEntry struct {
	pattern string
	expr    *regexp.Regexp
	results []*Result
	errMsg  string
}

// Server is a fake PostgreSQL server for testing. All methods are safe for
// concurrent use. Close the server before the test ends; it joins every
// connection handler so no goroutines leak.
type Server struct {
	t        testing.TB
	listener net.Listener
	addr     string

	quit chan struct{}
	wg   sync.WaitGroup

	mu            sync.Mutex
	authMode      AuthMode
	user          string
	password      string
	serverParams  map[string]string
	data          map[string][]*Result
	rejected      map[string]*Result
	delays        map[string]time.Duration
	patterns      []patternEntry
	queryCalled   map[string]int
	querylog      []string
	conns         map[net.Conn]struct{}
	closeOnQuery  map[string]bool
	neverFail     bool
	closed        bool
}

// New starts a fake server on a random loopback port. The server is shut
// down automatically when the test finishes.
func New(t testing.TB) *Server {
	s := &Server{
		t:        t,
		quit:     make(chan struct{}),
		user:     "terratile",
		password: "terratile-secret",
		serverParams: map[string]string{
			"server_version":  "16.3",
			"client_encoding": "UTF8",
			"DateStyle":       "ISO, MDY",
		},
		data:         make(map[string][]*Result),
		rejected:     make(map[string]*Result),
		delays:       make(map[string]time.Duration),
		queryCalled:  make(map[string]int),
		conns:        make(map[net.Conn]struct{}),
		closeOnQuery: make(map[string]bool),
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakepg: failed to listen: %v", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	t.Logf("fakepg: listening on %s", s.addr)
	return s
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.t.Logf("fakepg: accept error: %v", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
	}
}

// Close stops the server, severs every live connection, and waits for all
// handler goroutines to exit. It is idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	s.wg.Wait()
}

// Addr returns the server's listening address (host:port).
func (s *Server) Addr() string {
	return s.addr
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// ConnInfo returns a conninfo string for connecting to this server.
func (s *Server) ConnInfo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("host=%s port=%d dbname=testdb user=%s connect_timeout=4", s.Host(), s.Port(), s.user)
}

// User returns the expected user name.
func (s *Server) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Password returns the expected password for the non-trust auth modes.
func (s *Server) Password() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

// SetAuth configures the authentication mode and the expected credentials.
func (s *Server) SetAuth(mode AuthMode, user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authMode = mode
	s.user = user
	s.password = password
}

// SetServerParam sets a parameter reported to clients during startup.
func (s *Server) SetServerParam(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverParams[name] = value
}

// AddQuery maps a query to a single result.
func (s *Server) AddQuery(q string, result *Result) {
	s.AddQueryScript(q, result)
}

// AddQueryScript maps a query to a sequence of results, delivered as
// separate results of one statement.
func (s *Server) AddQueryScript(q string, results ...*Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(q)
	s.data[key] = results
	s.queryCalled[key] = 0
}

// AddRejectedQuery maps a query to an ErrorResponse with the given message
// and SQLSTATE.
func (s *Server) AddRejectedQuery(q, errMsg, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[strings.ToLower(q)] = &Result{ErrMsg: errMsg, ErrCode: code}
}

// AddDelayedQuery maps a query to a result delivered after delay. The delay
// is interruptible: closing the server cancels it.
func (s *Server) AddDelayedQuery(q string, delay time.Duration, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(q)
	s.data[key] = []*Result{result}
	s.delays[key] = delay
	s.queryCalled[key] = 0
}

// AddCloseOnQuery makes the server drop the connection without responding
// when it receives the query.
func (s *Server) AddCloseOnQuery(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeOnQuery[strings.ToLower(q)] = true
}

// AddQueryPattern maps a regular expression to a result. Patterns are
// checked after exact matches, anchored and case-insensitive.
func (s *Server) AddQueryPattern(pattern string, result *Result) {
	expr := regexp.MustCompile("(?is)^" + pattern + "$")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, patternEntry{pattern: pattern, expr: expr, results: []*Result{result}})
}

// RejectQueryPattern maps a regular expression to an ErrorResponse.
func (s *Server) RejectQueryPattern(pattern, errMsg string) {
	expr := regexp.MustCompile("(?is)^" + pattern + "$")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, patternEntry{pattern: pattern, expr: expr, errMsg: errMsg})
}

// SetNeverFail makes unmatched queries return an empty command result
// instead of an error.
func (s *Server) SetNeverFail(neverFail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neverFail = neverFail
}

// QueryCalledNum returns how many times the server saw a query.
func (s *Server) QueryCalledNum(q string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalled[strings.ToLower(q)]
}

// QueryLog returns all received queries as a semicolon separated string.
func (s *Server) QueryLog() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.querylog, ";")
}

// ResetQueryLog clears the query log.
func (s *Server) ResetQueryLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.querylog = nil
}

// lookup resolves a query against the registry and returns the scripted
// results, the configured delay, and whether the connection should be
// dropped instead of answered.
func (s *Server) lookup(q string) (results []*Result, delay time.Duration, drop bool) {
	key := strings.ToLower(q)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queryCalled[key]++
	s.querylog = append(s.querylog, key)

	if s.closeOnQuery[key] {
		return nil, 0, true
	}
	if rej, ok := s.rejected[key]; ok {
		return []*Result{rej}, 0, false
	}
	if res, ok := s.data[key]; ok {
		return res, s.delays[key], false
	}
	for _, pat := range s.patterns {
		if pat.expr.MatchString(q) {
			if pat.errMsg != "" {
				return []*Result{{ErrMsg: pat.errMsg}}, 0, false
			}
			return pat.results, 0, false
		}
	}
	if s.neverFail {
		return []*Result{{CommandTag: "SELECT 0"}}, 0, false
	}
	return []*Result{{
		ErrMsg:  fmt.Sprintf("fakepg: query '%s' is not configured", q),
		ErrCode: "42601",
	}}, 0, false
}

func (s *Server) authConfig() (AuthMode, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authMode, s.user, s.password
}

func (s *Server) paramsSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := make(map[string]string, len(s.serverParams))
	for k, v := range s.serverParams {
		params[k] = v
	}
	return params
}
