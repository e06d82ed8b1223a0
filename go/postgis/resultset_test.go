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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terratile/postgis/go/pgwire"
)

func sampleResult() *pgwire.Result {
	return &pgwire.Result{
		Status: pgwire.StatusTuplesOK,
		Fields: []*pgwire.Field{
			{Name: "id", DataTypeOID: 23, Format: pgwire.FormatText},
			{Name: "geom", DataTypeOID: 17, Format: pgwire.FormatBinary},
		},
		Rows: []*pgwire.Row{
			{Values: []pgwire.Value{pgwire.Value("1"), pgwire.Value("abc")}},
			{Values: []pgwire.Value{pgwire.Value("2"), nil}},
		},
		CommandTag: "SELECT 2",
	}
}

func TestResultSetCursor(t *testing.T) {
	rs := newResultSet(sampleResult())
	defer rs.Close()

	assert.Equal(t, 2, rs.FieldCount())
	assert.Equal(t, 2, rs.RowCount())
	assert.Equal(t, "id", rs.FieldName(0))
	assert.Equal(t, "geom", rs.FieldName(1))
	assert.Equal(t, uint32(23), rs.FieldTypeOID(0))
	assert.Equal(t, pgwire.FormatBinary, rs.FieldFormat(1))
	assert.False(t, rs.EOS())

	// Before the first Next, no row is current.
	assert.Nil(t, rs.Value(0))
	assert.True(t, rs.IsNull(0))

	require.True(t, rs.Next())
	assert.Equal(t, []byte("1"), rs.Value(0))
	assert.Equal(t, []byte("abc"), rs.Value(1))
	assert.False(t, rs.IsNull(1))

	require.True(t, rs.Next())
	assert.Equal(t, []byte("2"), rs.Value(0))
	assert.True(t, rs.IsNull(1))
	assert.Nil(t, rs.Value(1))

	// The cursor stays put once exhausted.
	assert.False(t, rs.Next())
	assert.False(t, rs.Next())
}

func TestResultSetOutOfRange(t *testing.T) {
	rs := newResultSet(sampleResult())
	defer rs.Close()
	require.True(t, rs.Next())

	assert.Empty(t, rs.FieldName(-1))
	assert.Empty(t, rs.FieldName(99))
	assert.Zero(t, rs.FieldTypeOID(99))
	assert.Nil(t, rs.Value(99))
	assert.True(t, rs.IsNull(99))
}

func TestResultSetEOS(t *testing.T) {
	rs := newResultSet(nil)

	assert.True(t, rs.EOS())
	assert.Zero(t, rs.FieldCount())
	assert.Zero(t, rs.RowCount())
	assert.False(t, rs.Next())

	rs.Close() // safe on an end-of-stream marker
}

func TestResultSetClose(t *testing.T) {
	rs := newResultSet(sampleResult())
	rs.Close()

	assert.Zero(t, rs.FieldCount())
	assert.Zero(t, rs.RowCount())
	assert.False(t, rs.Next())

	// Idempotent.
	rs.Close()
}
