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

package pgwire

// ResultStatus classifies a completed result, mirroring the terminating
// message the server sent for it.
type ResultStatus int

const (
	// StatusUnknown is the zero value; no completed result.
	StatusUnknown ResultStatus = iota

	// StatusTuplesOK means the result carries a row description and zero or
	// more data rows (a row-bearing completion).
	StatusTuplesOK

	// StatusCommandOK means the statement completed without returning rows
	// (DDL/DML command completion).
	StatusCommandOK

	// StatusEmptyQuery means the submitted query string was empty.
	StatusEmptyQuery

	// StatusFatalError means the server reported an error for this statement.
	StatusFatalError
)

// String returns a short human-readable status name.
func (s ResultStatus) String() string {
	switch s {
	case StatusTuplesOK:
		return "TUPLES_OK"
	case StatusCommandOK:
		return "COMMAND_OK"
	case StatusEmptyQuery:
		return "EMPTY_QUERY"
	case StatusFatalError:
		return "FATAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field describes one column of a result set, as reported by RowDescription.
type Field struct {
	Name                 string
	TableOID             uint32
	TableAttributeNumber int16
	DataTypeOID          uint32
	DataTypeSize         int16
	TypeModifier         int32
	Format               Format
}

// Value represents a nullable column value.
// nil means NULL, []byte{} means empty string.
type Value []byte

// IsNull returns true if the value is NULL.
func (v Value) IsNull() bool {
	return v == nil
}

// Row represents a row with nullable column values.
type Row struct {
	// Values contains the column values. A nil entry means NULL.
	Values []Value
}

// Result represents one completed result produced by a statement. A single
// statement may produce several Results (multi-statement strings); each one
// is terminated by its own CommandComplete on the wire.
type Result struct {
	// Status classifies the completion.
	Status ResultStatus

	// Fields describes the columns when Status is StatusTuplesOK.
	Fields []*Field

	// Rows contains the data rows when Status is StatusTuplesOK.
	Rows []*Row

	// CommandTag is the completion tag, e.g. "SELECT 42" or "CREATE TABLE".
	CommandTag string

	// Diag carries the server diagnostic when Status is StatusFatalError.
	Diag *Diagnostic
}

// Release drops the result's buffers. The replace-then-release discipline in
// the drain loops calls this on every superseded intermediate result so only
// one buffer is live at a time.
func (r *Result) Release() {
	if r == nil {
		return
	}
	r.Fields = nil
	r.Rows = nil
}

// RowsAffected extracts the row count from the command tag.
// Returns 0 for SELECT statements since they only read rows.
func (r *Result) RowsAffected() uint64 {
	tag := r.CommandTag

	if len(tag) >= 6 && tag[:6] == "SELECT" {
		return 0
	}

	// Find the last space-separated number.
	var count uint64
	var num uint64
	inNumber := false

	for i := len(tag) - 1; i >= 0; i-- {
		c := tag[i]
		if c >= '0' && c <= '9' {
			if !inNumber {
				inNumber = true
				count = 0
				num = 1
			}
			count += uint64(c-'0') * num
			num *= 10
		} else if c == ' ' {
			if inNumber {
				return count
			}
		} else {
			break
		}
	}

	if inNumber {
		return count
	}
	return 0
}
