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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDiagnostic(t *testing.T) {
	w := NewMessageWriter()
	w.WriteByte(FieldSeverity)
	w.WriteString("ERROR")
	w.WriteByte(FieldCode)
	w.WriteString("42P01")
	w.WriteByte(FieldMessage)
	w.WriteString(`relation "missing" does not exist`)
	w.WriteByte(FieldPosition)
	w.WriteString("15")
	w.WriteByte(0)

	diag := ParseDiagnostic(MsgErrorResponse, w.Bytes())
	require.NotNil(t, diag)

	assert.True(t, diag.IsError())
	assert.False(t, diag.IsNotice())
	assert.Equal(t, "ERROR", diag.Severity)
	assert.Equal(t, "42P01", diag.SQLSTATE())
	assert.Equal(t, `relation "missing" does not exist`, diag.Message)
	assert.Equal(t, int32(15), diag.Position)
	assert.False(t, diag.IsFatal())
	assert.Equal(t, `ERROR: relation "missing" does not exist`, diag.Error())
	assert.Equal(t, `ERROR: relation "missing" does not exist (SQLSTATE 42P01)`, diag.FullError())
}

func TestParseDiagnosticFatal(t *testing.T) {
	w := NewMessageWriter()
	w.WriteByte(FieldSeverity)
	w.WriteString("FATAL")
	w.WriteByte(FieldCode)
	w.WriteString("57P01")
	w.WriteByte(FieldMessage)
	w.WriteString("terminating connection due to administrator command")
	w.WriteByte(0)

	diag := ParseDiagnostic(MsgErrorResponse, w.Bytes())
	assert.True(t, diag.IsFatal())
}

func TestDiagnosticEncodeRoundTrip(t *testing.T) {
	in := &Diagnostic{
		MessageType: MsgErrorResponse,
		Severity:    "ERROR",
		Code:        "42601",
		Message:     "syntax error at or near \"selct\"",
		Position:    1,
		Hint:        "did you mean SELECT?",
	}

	out := ParseDiagnostic(MsgErrorResponse, in.Encode())

	assert.Equal(t, in.Severity, out.Severity)
	assert.Equal(t, in.Code, out.Code)
	assert.Equal(t, in.Message, out.Message)
	assert.Equal(t, in.Position, out.Position)
	assert.Equal(t, in.Hint, out.Hint)
}

func TestParseDiagnosticTruncated(t *testing.T) {
	// A body cut mid-field parses leniently, keeping the complete fields.
	w := NewMessageWriter()
	w.WriteByte(FieldSeverity)
	w.WriteString("ERROR")
	w.WriteByte(FieldMessage)
	w.WriteBytes([]byte("no terminator"))

	diag := ParseDiagnostic(MsgErrorResponse, w.Bytes())
	assert.Equal(t, "ERROR", diag.Severity)
	assert.Empty(t, diag.Message)
}
