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

import (
	"strconv"
)

// Diagnostic represents a PostgreSQL diagnostic message (error or notice).
// PostgreSQL uses the same wire format for both ErrorResponse ('E') and
// NoticeResponse ('N'), differentiated by the MessageType field.
type Diagnostic struct {
	// MessageType is the protocol message type byte:
	// 'E' for ErrorResponse, 'N' for NoticeResponse.
	MessageType      byte
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	Schema           string
	Table            string
	Column           string
	DataType         string
	Constraint       string
}

// ParseDiagnostic parses the diagnostic fields of an ErrorResponse or
// NoticeResponse body. Malformed trailing fields are ignored rather than
// rejected, matching the lenient handling servers expect of clients.
func ParseDiagnostic(msgType byte, body []byte) *Diagnostic {
	reader := NewMessageReader(body)

	diag := &Diagnostic{MessageType: msgType}

	for reader.Remaining() > 0 {
		fieldType, err := reader.ReadByte()
		if err != nil {
			break
		}
		if fieldType == 0 {
			break // End of fields.
		}

		value, err := reader.ReadString()
		if err != nil {
			break
		}

		switch fieldType {
		case FieldSeverity:
			diag.Severity = value
		case FieldSeverityV:
			// Non-localized severity; only used when 'S' wasn't already set.
			if diag.Severity == "" {
				diag.Severity = value
			}
		case FieldCode:
			diag.Code = value
		case FieldMessage:
			diag.Message = value
		case FieldDetail:
			diag.Detail = value
		case FieldHint:
			diag.Hint = value
		case FieldPosition:
			if pos, err := strconv.ParseInt(value, 10, 32); err == nil {
				diag.Position = int32(pos)
			}
		case FieldInternalPosition:
			if pos, err := strconv.ParseInt(value, 10, 32); err == nil {
				diag.InternalPosition = int32(pos)
			}
		case FieldInternalQuery:
			diag.InternalQuery = value
		case FieldWhere:
			diag.Where = value
		case FieldSchema:
			diag.Schema = value
		case FieldTable:
			diag.Table = value
		case FieldColumn:
			diag.Column = value
		case FieldDataType:
			diag.DataType = value
		case FieldConstraint:
			diag.Constraint = value
		}
	}

	return diag
}

// Encode writes the diagnostic's fields in wire format, suitable as the body
// of an ErrorResponse or NoticeResponse message.
func (d *Diagnostic) Encode() []byte {
	w := NewMessageWriter()
	writeField := func(typ byte, value string) {
		if value == "" {
			return
		}
		w.WriteByte(typ)
		w.WriteString(value)
	}
	writeField(FieldSeverity, d.Severity)
	writeField(FieldSeverityV, d.Severity)
	writeField(FieldCode, d.Code)
	writeField(FieldMessage, d.Message)
	writeField(FieldDetail, d.Detail)
	writeField(FieldHint, d.Hint)
	if d.Position != 0 {
		writeField(FieldPosition, strconv.FormatInt(int64(d.Position), 10))
	}
	writeField(FieldWhere, d.Where)
	writeField(FieldSchema, d.Schema)
	writeField(FieldTable, d.Table)
	writeField(FieldColumn, d.Column)
	writeField(FieldDataType, d.DataType)
	writeField(FieldConstraint, d.Constraint)
	w.WriteByte(0)
	return w.Bytes()
}

// IsError returns true if this diagnostic represents an error (MessageType == 'E').
func (d *Diagnostic) IsError() bool {
	return d.MessageType == 'E'
}

// IsNotice returns true if this diagnostic represents a notice (MessageType == 'N').
func (d *Diagnostic) IsNotice() bool {
	return d.MessageType == 'N'
}

// SQLSTATE returns the PostgreSQL SQLSTATE error code. This is an alias for
// the Code field, provided for clarity.
//
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
func (d *Diagnostic) SQLSTATE() string {
	return d.Code
}

// IsFatal returns true if the severity indicates the session is gone.
// ERROR severity is not fatal; the session can continue.
func (d *Diagnostic) IsFatal() bool {
	return d.Severity == "FATAL" || d.Severity == "PANIC"
}

// Error implements the error interface.
// Returns PostgreSQL-native format: "SEVERITY: message".
// Use [Diagnostic.FullError] to include the SQLSTATE code for debugging.
func (d *Diagnostic) Error() string {
	if d == nil {
		return "ERROR: unknown error"
	}
	return d.Severity + ": " + d.Message
}

// FullError returns the error with SQLSTATE code for debugging purposes.
func (d *Diagnostic) FullError() string {
	if d == nil {
		return "ERROR: unknown error (SQLSTATE 00000)"
	}
	return d.Severity + ": " + d.Message + " (SQLSTATE " + d.Code + ")"
}
