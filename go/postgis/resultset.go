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
	"github.com/terratile/postgis/go/pgwire"
)

// ResultSet is a cursor over one fully received query result. The cursor
// starts positioned before the first row; Next advances it and reports
// whether a row is available.
//
// A nil-result ResultSet (one wrapping no result at all) is valid: it has
// zero fields, zero rows, and Next immediately reports exhaustion. The
// async retrieval path hands one back when the result stream ends.
type ResultSet struct {
	res *pgwire.Result
	pos int
}

// newResultSet wraps a received result. res may be nil.
func newResultSet(res *pgwire.Result) *ResultSet {
	return &ResultSet{res: res, pos: -1}
}

// Next advances the cursor to the next row and reports whether one exists.
func (rs *ResultSet) Next() bool {
	if rs.res == nil || rs.pos+1 >= len(rs.res.Rows) {
		return false
	}
	rs.pos++
	return true
}

// FieldCount returns the number of columns in the result.
func (rs *ResultSet) FieldCount() int {
	if rs.res == nil {
		return 0
	}
	return len(rs.res.Fields)
}

// RowCount returns the number of rows in the result.
func (rs *ResultSet) RowCount() int {
	if rs.res == nil {
		return 0
	}
	return len(rs.res.Rows)
}

// FieldName returns the column name at index i, or "" when out of range.
func (rs *ResultSet) FieldName(i int) string {
	if rs.res == nil || i < 0 || i >= len(rs.res.Fields) {
		return ""
	}
	return rs.res.Fields[i].Name
}

// FieldTypeOID returns the data type OID of the column at index i,
// or 0 when out of range.
func (rs *ResultSet) FieldTypeOID(i int) uint32 {
	if rs.res == nil || i < 0 || i >= len(rs.res.Fields) {
		return 0
	}
	return rs.res.Fields[i].DataTypeOID
}

// FieldFormat returns the wire format of the column at index i.
func (rs *ResultSet) FieldFormat(i int) pgwire.Format {
	if rs.res == nil || i < 0 || i >= len(rs.res.Fields) {
		return pgwire.FormatText
	}
	return rs.res.Fields[i].Format
}

// Value returns the raw bytes of column i of the current row. NULL and
// out-of-range accesses both return nil; use IsNull to distinguish NULL
// from an empty value.
func (rs *ResultSet) Value(i int) []byte {
	row := rs.currentRow()
	if row == nil || i < 0 || i >= len(row.Values) {
		return nil
	}
	return row.Values[i]
}

// IsNull reports whether column i of the current row is NULL.
// Out-of-range accesses report true.
func (rs *ResultSet) IsNull(i int) bool {
	row := rs.currentRow()
	if row == nil || i < 0 || i >= len(row.Values) {
		return true
	}
	return row.Values[i].IsNull()
}

func (rs *ResultSet) currentRow() *pgwire.Row {
	if rs.res == nil || rs.pos < 0 || rs.pos >= len(rs.res.Rows) {
		return nil
	}
	return rs.res.Rows[rs.pos]
}

// EOS reports whether this is an end-of-stream marker: a ResultSet that
// wraps no result at all.
func (rs *ResultSet) EOS() bool {
	return rs.res == nil
}

// Close releases the wrapped result. The ResultSet remains safe to use
// afterwards; it simply reports no fields and no rows. Close is idempotent.
func (rs *ResultSet) Close() {
	if rs.res != nil {
		rs.res.Release()
		rs.res = nil
	}
	rs.pos = -1
}
