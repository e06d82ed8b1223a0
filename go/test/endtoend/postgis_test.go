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

// Package endtoend exercises the execution layer against a real PostgreSQL
// server. Set PGISQL_TEST_CONNINFO to a libpq connection string to enable
// these tests, e.g.
//
//	PGISQL_TEST_CONNINFO='host=localhost dbname=gis user=postgres' go test ./go/test/endtoend/
package endtoend

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terratile/postgis/go/pgwire"
	"github.com/terratile/postgis/go/postgis"
)

func testConnInfo(t *testing.T) string {
	t.Helper()
	conninfo := os.Getenv("PGISQL_TEST_CONNINFO")
	if conninfo == "" {
		t.Skip("PGISQL_TEST_CONNINFO not set")
	}
	return conninfo
}

// fixtureDB opens a throwaway helper connection for creating fixtures,
// separate from the connection under test.
func fixtureDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", testConnInfo(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Ping())
	return db
}

func openConn(t *testing.T, opts ...postgis.Option) *postgis.Connection {
	t.Helper()
	conn, err := postgis.Open(context.Background(), testConnInfo(t), "", opts...)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestLiveQuery(t *testing.T) {
	db := fixtureDB(t)
	_, err := db.Exec(`DROP TABLE IF EXISTS e2e_points`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE e2e_points (id serial PRIMARY KEY, name text)`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = db.Exec(`DROP TABLE IF EXISTS e2e_points`) })

	conn := openConn(t)
	require.True(t, conn.Execute("INSERT INTO e2e_points (name) VALUES ('alpha'), ('beta')"))

	rs, err := conn.ExecuteQuery("SELECT name FROM e2e_points ORDER BY id", pgwire.FormatText)
	require.NoError(t, err)
	defer rs.Close()

	require.Equal(t, 2, rs.RowCount())
	require.True(t, rs.Next())
	assert.Equal(t, []byte("alpha"), rs.Value(0))
	require.True(t, rs.Next())
	assert.Equal(t, []byte("beta"), rs.Value(0))

	// Verify the write through the fixture connection too.
	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM e2e_points`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestLiveBinaryResult(t *testing.T) {
	conn := openConn(t)

	rs, err := conn.ExecuteQuery("SELECT 42::int4", pgwire.FormatBinary)
	require.NoError(t, err)
	defer rs.Close()

	require.True(t, rs.Next())
	assert.Equal(t, pgwire.FormatBinary, rs.FieldFormat(0))
	// int4 in binary format is 4 bytes, network byte order.
	assert.Equal(t, []byte{0, 0, 0, 42}, rs.Value(0))
}

func TestLiveTimeout(t *testing.T) {
	conn := openConn(t, postgis.WithStatementTimeout(200*time.Millisecond))

	_, err := conn.ExecuteQuery("SELECT pg_sleep(10)", pgwire.FormatText)
	require.Error(t, err)
	assert.Equal(t, postgis.KindTimeout, postgis.KindOf(err))
	assert.False(t, conn.IsOK())
}

func TestLiveSyntaxError(t *testing.T) {
	conn := openConn(t)

	_, err := conn.ExecuteQuery("SELEC 1", pgwire.FormatText)
	require.Error(t, err)
	assert.Equal(t, postgis.KindProtocol, postgis.KindOf(err))
	assert.Contains(t, err.Error(), "full sql was: 'SELEC 1'")
	assert.False(t, conn.IsOK())
}

func TestLiveAsync(t *testing.T) {
	conn := openConn(t)

	require.NoError(t, conn.ExecuteAsyncQuery("SELECT generate_series(1, 5)", pgwire.FormatText))

	rs, err := conn.GetNextAsyncResult("SELECT generate_series(1, 5)")
	require.NoError(t, err)
	assert.Equal(t, 5, rs.RowCount())
	rs.Close()

	end, err := conn.GetNextAsyncResult("SELECT generate_series(1, 5)")
	require.NoError(t, err)
	assert.True(t, end.EOS())
	assert.False(t, conn.IsPending())
}
