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

func TestMessageWriterReader(t *testing.T) {
	w := NewMessageWriter()
	w.WriteByte('x')
	w.WriteUint16(0xBEEF)
	w.WriteUint32(0xDEADBEEF)
	w.WriteInt16(-7)
	w.WriteInt32(-1)
	w.WriteString("hello")
	w.WriteByteString([]byte("raw"))
	w.WriteByteString(nil) // NULL

	r := NewMessageReader(w.Bytes())

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('x'), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	i16, err := r.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(-7), i16)

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), i32)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	bs, err := r.ReadByteString()
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), bs)

	null, err := r.ReadByteString()
	require.NoError(t, err)
	assert.Nil(t, null)

	assert.Equal(t, 0, r.Remaining())
}

func TestMessageReaderTruncated(t *testing.T) {
	r := NewMessageReader([]byte{0x00})

	_, err := r.ReadUint32()
	assert.Error(t, err)
}

func TestMessageReaderUnterminatedString(t *testing.T) {
	r := NewMessageReader([]byte("no terminator"))

	_, err := r.ReadString()
	assert.Error(t, err)
}

func TestMessageWriterReset(t *testing.T) {
	w := NewMessageWriter()
	w.WriteString("first")
	require.NotZero(t, w.Len())

	w.Reset()
	assert.Zero(t, w.Len())

	w.WriteByte('a')
	assert.Equal(t, []byte{'a'}, w.Bytes())
}
