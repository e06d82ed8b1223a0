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

package postgis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terratile/postgis/go/fakepg"
	"github.com/terratile/postgis/go/pgwire"
)

func openTest(t *testing.T, srv *fakepg.Server, opts ...Option) *Connection {
	t.Helper()
	conn, err := Open(context.Background(), srv.ConnInfo(), srv.Password(), opts...)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestOpen(t *testing.T) {
	srv := fakepg.New(t)
	conn := openTest(t, srv)

	assert.True(t, conn.IsOK())
	assert.False(t, conn.IsPending())
	assert.Empty(t, conn.Status())
	assert.Equal(t, "16.3", conn.ServerVersion())

	encoding, err := conn.ClientEncoding()
	require.NoError(t, err)
	assert.Equal(t, "UTF8", encoding)
}

func TestOpenAppendsPassword(t *testing.T) {
	srv := fakepg.New(t)
	srv.SetAuth(fakepg.AuthCleartext, "terratile", "hunter2")

	// The supplied password wins over one embedded in the conninfo.
	conninfo := srv.ConnInfo() + " password=wrong"
	conn, err := Open(context.Background(), conninfo, "hunter2")
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.IsOK())
}

func TestOpenParseFailure(t *testing.T) {
	_, err := Open(context.Background(), "port=notaport", "")
	require.Error(t, err)
	assert.Equal(t, KindConnect, KindOf(err))
	assert.Contains(t, err.Error(), "port=notaport")
}

func TestOpenConnectFailure(t *testing.T) {
	srv := fakepg.New(t)
	conninfo := srv.ConnInfo()
	srv.Close()

	_, err := Open(context.Background(), conninfo, "")
	require.Error(t, err)
	assert.Equal(t, KindConnect, KindOf(err))
}

func TestCloseIdempotent(t *testing.T) {
	srv := fakepg.New(t)
	conn := openTest(t, srv)

	conn.Close()
	assert.False(t, conn.IsOK())
	assert.Equal(t, "Bad connection", conn.Status())

	// Subsequent closes are no-ops.
	conn.Close()
	conn.Close()
	assert.Equal(t, "Bad connection", conn.Status())
}

func TestStatusUninitialized(t *testing.T) {
	var conn Connection
	assert.Equal(t, "Uninitialized connection", conn.Status())
	assert.False(t, conn.IsOK())
}

func TestNewCursorName(t *testing.T) {
	srv := fakepg.New(t)
	conn := openTest(t, srv)

	for i := range 5 {
		assert.Equal(t, fmt.Sprintf("mapnik_%d", i), conn.NewCursorName())
	}
}

func TestExecute(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQuery("CREATE TEMP TABLE t (id int)", fakepg.MakeCommandResult("CREATE TABLE"))

	conn := openTest(t, srv)
	assert.True(t, conn.Execute("CREATE TEMP TABLE t (id int)"))
	assert.True(t, conn.IsOK())
}

func TestExecuteLastResultDecides(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQueryScript("BEGIN; UPDATE t SET x = 1; COMMIT",
		fakepg.MakeCommandResult("BEGIN"),
		fakepg.MakeCommandResult("UPDATE 1"),
		fakepg.MakeCommandResult("COMMIT"),
	)
	srv.AddQueryScript("BEGIN; SELECT 1",
		fakepg.MakeCommandResult("BEGIN"),
		fakepg.MakeResult([]string{"?column?"}, [][]any{{1}}),
	)

	conn := openTest(t, srv)
	assert.True(t, conn.Execute("BEGIN; UPDATE t SET x = 1; COMMIT"))

	// The final result is row data, not a command completion.
	assert.False(t, conn.Execute("BEGIN; SELECT 1"))
	assert.True(t, conn.IsOK())
}

func TestExecuteFailureDoesNotInvalidate(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddRejectedQuery("DROP TABLE missing", `table "missing" does not exist`, "42P01")
	srv.AddQuery("SELECT 1", fakepg.MakeResult([]string{"?column?"}, [][]any{{1}}))

	conn := openTest(t, srv)
	assert.False(t, conn.Execute("DROP TABLE missing"))

	// The handle stays usable after a rejected statement.
	assert.True(t, conn.IsOK())
	rs, err := conn.ExecuteQuery("SELECT 1", pgwire.FormatText)
	require.NoError(t, err)
	rs.Close()
}

func TestExecuteOnClosedConnection(t *testing.T) {
	srv := fakepg.New(t)
	conn := openTest(t, srv)
	conn.Close()

	assert.False(t, conn.Execute("SELECT 1"))
}

func TestExecuteQuery(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQuery("SELECT id, name FROM widgets", fakepg.MakeResult(
		[]string{"id", "name"},
		[][]any{{1, "anvil"}, {2, nil}},
	))

	conn := openTest(t, srv)
	rs, err := conn.ExecuteQuery("SELECT id, name FROM widgets", pgwire.FormatText)
	require.NoError(t, err)
	defer rs.Close()

	assert.Equal(t, 2, rs.FieldCount())
	assert.Equal(t, 2, rs.RowCount())
	assert.Equal(t, "id", rs.FieldName(0))
	assert.Equal(t, "name", rs.FieldName(1))

	require.True(t, rs.Next())
	assert.Equal(t, []byte("1"), rs.Value(0))
	assert.Equal(t, []byte("anvil"), rs.Value(1))

	require.True(t, rs.Next())
	assert.True(t, rs.IsNull(1))

	assert.False(t, rs.Next())
	assert.True(t, conn.IsOK())
}

func TestExecuteQueryBinary(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQuery("SELECT way FROM roads", fakepg.MakeResult(
		[]string{"way"},
		[][]any{{"0101000020E6100000"}},
	))

	conn := openTest(t, srv)
	rs, err := conn.ExecuteQuery("SELECT way FROM roads", pgwire.FormatBinary)
	require.NoError(t, err)
	defer rs.Close()

	assert.Equal(t, pgwire.FormatBinary, rs.FieldFormat(0))
	require.True(t, rs.Next())
	assert.Equal(t, []byte("0101000020E6100000"), rs.Value(0))
}

func TestExecuteQueryKeepsFinalResult(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQueryScript("SELECT 1; SELECT 2",
		fakepg.MakeResult([]string{"a"}, [][]any{{1}}),
		fakepg.MakeResult([]string{"b"}, [][]any{{2}, {20}}),
	)

	conn := openTest(t, srv)
	rs, err := conn.ExecuteQuery("SELECT 1; SELECT 2", pgwire.FormatText)
	require.NoError(t, err)
	defer rs.Close()

	// Earlier results are discarded; only the final one is handed over.
	assert.Equal(t, "b", rs.FieldName(0))
	assert.Equal(t, 2, rs.RowCount())
}

func TestExecuteQueryMalformedSQL(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddRejectedQuery("SELECT bogus FROM", `syntax error at or near "FROM"`, "42601")

	conn := openTest(t, srv)
	_, err := conn.ExecuteQuery("SELECT bogus FROM", pgwire.FormatText)
	require.Error(t, err)

	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Contains(t, err.Error(), "syntax error")
	assert.Contains(t, err.Error(), "full sql was: 'SELECT bogus FROM'")

	// A raising query failure invalidates the handle.
	assert.False(t, conn.IsOK())
}

func TestExecuteQueryTimeout(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddDelayedQuery("SELECT pg_sleep(60)", time.Minute,
		fakepg.MakeResult([]string{"pg_sleep"}, [][]any{{""}}))

	conn := openTest(t, srv, WithStatementTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := conn.ExecuteQuery("SELECT pg_sleep(60)", pgwire.FormatText)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "full sql was: 'SELECT pg_sleep(60)'")
	assert.Less(t, elapsed, 5*time.Second)

	// A timeout invalidates the handle.
	assert.False(t, conn.IsOK())
}

func TestExecuteQueryOnClosedConnection(t *testing.T) {
	srv := fakepg.New(t)
	conn := openTest(t, srv)
	conn.Close()

	_, err := conn.ExecuteQuery("SELECT 1", pgwire.FormatText)
	require.Error(t, err)
	assert.Equal(t, KindSend, KindOf(err))
	assert.Contains(t, err.Error(), "Bad connection")
}

func TestAsyncQuery(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQuery("SELECT id FROM widgets", fakepg.MakeResult(
		[]string{"id"},
		[][]any{{1}, {2}, {3}},
	))

	conn := openTest(t, srv)
	require.NoError(t, conn.ExecuteAsyncQuery("SELECT id FROM widgets", pgwire.FormatText))
	assert.True(t, conn.IsPending())

	rs, err := conn.GetNextAsyncResult("SELECT id FROM widgets")
	require.NoError(t, err)
	assert.False(t, rs.EOS())
	assert.Equal(t, 3, rs.RowCount())
	rs.Close()
	assert.True(t, conn.IsPending())

	// The stream ends with an end-of-stream marker and clears pending.
	end, err := conn.GetNextAsyncResult("SELECT id FROM widgets")
	require.NoError(t, err)
	assert.True(t, end.EOS())
	assert.False(t, conn.IsPending())
	assert.True(t, conn.IsOK())
}

func TestGetNextAsyncResultUnexpectedStatus(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQuery("UPDATE t SET x = 1", fakepg.MakeCommandResult("UPDATE 1"))

	conn := openTest(t, srv)
	require.NoError(t, conn.ExecuteAsyncQuery("UPDATE t SET x = 1", pgwire.FormatText))

	_, err := conn.GetNextAsyncResult("UPDATE t SET x = 1")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.False(t, conn.IsPending())
	assert.False(t, conn.IsOK())
}

func TestGetAsyncResult(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQuery("SELECT 1", fakepg.MakeResult([]string{"?column?"}, [][]any{{1}}))

	conn := openTest(t, srv)
	require.NoError(t, conn.ExecuteAsyncQuery("SELECT 1", pgwire.FormatText))

	rs, err := conn.GetAsyncResult("SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, rs.RowCount())
	rs.Close()
}

func TestGetAsyncResultMissing(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddQuery("SELECT 1", fakepg.MakeResult([]string{"?column?"}, [][]any{{1}}))

	conn := openTest(t, srv)
	require.NoError(t, conn.ExecuteAsyncQuery("SELECT 1", pgwire.FormatText))

	rs, err := conn.GetAsyncResult("SELECT 1")
	require.NoError(t, err)
	rs.Close()

	// Unlike GetNextAsyncResult, an exhausted stream is an error here.
	_, err = conn.GetAsyncResult("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.False(t, conn.IsOK())
}

func TestAsyncQueryError(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddRejectedQuery("SELECT broken", "something went wrong", "XX000")

	conn := openTest(t, srv)
	require.NoError(t, conn.ExecuteAsyncQuery("SELECT broken", pgwire.FormatText))

	_, err := conn.GetNextAsyncResult("SELECT broken")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Contains(t, err.Error(), "full sql was: 'SELECT broken'")
	assert.False(t, conn.IsOK())
}

func TestResultReady(t *testing.T) {
	srv := fakepg.New(t)
	srv.AddDelayedQuery("SELECT slow", 100*time.Millisecond,
		fakepg.MakeResult([]string{"a"}, [][]any{{1}}))

	conn := openTest(t, srv)
	require.NoError(t, conn.ExecuteAsyncQuery("SELECT slow", pgwire.FormatText))

	require.NoError(t, conn.ConsumeInput())
	assert.False(t, conn.ResultReady())

	deadline := time.Now().Add(5 * time.Second)
	for !conn.ResultReady() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, conn.ConsumeInput())
	}
	assert.True(t, conn.ResultReady())

	rs, err := conn.GetNextAsyncResult("SELECT slow")
	require.NoError(t, err)
	assert.Equal(t, 1, rs.RowCount())
	rs.Close()
}
