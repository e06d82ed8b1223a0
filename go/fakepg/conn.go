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

package fakepg

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/terratile/postgis/go/pgwire"
)

const textTypeOID = 25

// session is one accepted connection's protocol state.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	// Extended-protocol state, reset on Sync.
	pendingResults []*Result
	pendingDelay   time.Duration
	pendingDrop    bool
	resultFormat   pgwire.Format
	inError        bool
}

func (s *Server) serveConn(conn net.Conn) {
	sess := &session{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
	if err := sess.handshake(); err != nil {
		return
	}
	sess.run()
}

// handshake reads the startup packet, performs authentication, and reports
// session parameters up to the first ReadyForQuery.
func (sess *session) handshake() error {
	params, err := sess.readStartup()
	if err != nil {
		return err
	}

	mode, user, password := sess.server.authConfig()
	if params["user"] != user {
		sess.sendError("FATAL", "28000", fmt.Sprintf("role %q does not exist", params["user"]))
		return sess.writer.Flush()
	}
	if err := sess.authenticate(mode, user, password); err != nil {
		return err
	}

	sess.writeAuthRequest(pgwire.AuthOk, nil)
	for name, value := range sess.server.paramsSnapshot() {
		w := pgwire.NewMessageWriter()
		w.WriteString(name)
		w.WriteString(value)
		sess.writeMsg(pgwire.MsgParameterStatus, w.Bytes())
	}

	w := pgwire.NewMessageWriter()
	w.WriteUint32(4242) // process ID
	w.WriteUint32(1717) // secret key
	sess.writeMsg(pgwire.MsgBackendKeyData, w.Bytes())

	sess.sendReady()
	return sess.writer.Flush()
}

// readStartup reads the startup packet, answering SSL requests with a
// refusal first.
func (sess *session) readStartup() (map[string]string, error) {
	for {
		var length uint32
		if err := binary.Read(sess.reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		if length < 8 || length > pgwire.MaxStartupPacketLength {
			return nil, fmt.Errorf("bad startup packet length %d", length)
		}
		body := make([]byte, length-4)
		if _, err := io.ReadFull(sess.reader, body); err != nil {
			return nil, err
		}

		code := binary.BigEndian.Uint32(body[:4])
		switch code {
		case pgwire.SSLRequestCode:
			if _, err := sess.conn.Write([]byte{'N'}); err != nil {
				return nil, err
			}
			continue
		case pgwire.CancelRequestCode:
			return nil, fmt.Errorf("cancel request")
		case pgwire.ProtocolVersionNumber:
			params := make(map[string]string)
			r := pgwire.NewMessageReader(body[4:])
			for r.Remaining() > 1 {
				key, err := r.ReadString()
				if err != nil || key == "" {
					break
				}
				value, err := r.ReadString()
				if err != nil {
					break
				}
				params[key] = value
			}
			return params, nil
		default:
			return nil, fmt.Errorf("unsupported protocol version %d", code)
		}
	}
}

// run is the post-handshake message loop.
func (sess *session) run() {
	for {
		msgType, body, err := sess.readMsg()
		if err != nil {
			return
		}

		switch msgType {
		case pgwire.MsgQuery:
			if !sess.handleSimpleQuery(body) {
				return
			}

		case pgwire.MsgParse:
			sess.handleParse(body)

		case pgwire.MsgBind:
			sess.handleBind(body)

		case pgwire.MsgDescribe:
			sess.handleDescribe()

		case pgwire.MsgExecute:
			if !sess.handleExecute() {
				return
			}

		case pgwire.MsgSync:
			sess.pendingResults = nil
			sess.pendingDelay = 0
			sess.inError = false
			sess.sendReady()

		case pgwire.MsgFlush:
			// Responses are written eagerly; just flush the buffer.

		case pgwire.MsgClose:
			sess.writeMsg(pgwire.MsgCloseComplete, nil)

		case pgwire.MsgTerminate:
			return

		default:
			sess.sendError("ERROR", "08P01", fmt.Sprintf("unexpected frontend message %c", msgType))
			sess.sendReady()
		}

		if err := sess.writer.Flush(); err != nil {
			return
		}
	}
}

// handleSimpleQuery answers a simple-protocol query. Returns false when the
// connection should be dropped.
func (sess *session) handleSimpleQuery(body []byte) bool {
	r := pgwire.NewMessageReader(body)
	sql, err := r.ReadString()
	if err != nil {
		return false
	}

	if sql == "" {
		sess.writeMsg(pgwire.MsgEmptyQueryResponse, nil)
		sess.sendReady()
		return true
	}

	results, delay, drop := sess.server.lookup(sql)
	if drop {
		return false
	}
	if delay > 0 && !sess.wait(delay) {
		return false
	}

	for _, res := range results {
		if res.ErrMsg != "" {
			sess.sendError("ERROR", errCode(res), res.ErrMsg)
			break
		}
		sess.sendResult(res, pgwire.FormatText)
	}
	sess.sendReady()
	return true
}

func (sess *session) handleParse(body []byte) {
	r := pgwire.NewMessageReader(body)
	_, _ = r.ReadString() // statement name
	sql, err := r.ReadString()
	if err != nil {
		sess.sendError("ERROR", "08P01", "malformed Parse")
		sess.inError = true
		return
	}

	results, delay, drop := sess.server.lookup(sql)
	sess.pendingResults = results
	sess.pendingDelay = delay
	sess.pendingDrop = drop
	sess.writeMsg(pgwire.MsgParseComplete, nil)
}

func (sess *session) handleBind(body []byte) {
	if sess.inError {
		return
	}
	r := pgwire.NewMessageReader(body)
	_, _ = r.ReadString() // portal name
	_, _ = r.ReadString() // statement name

	formatCount, _ := r.ReadInt16()
	for range formatCount {
		_, _ = r.ReadInt16()
	}
	paramCount, _ := r.ReadInt16()
	for range paramCount {
		_, _ = r.ReadByteString()
	}
	resultFormatCount, _ := r.ReadInt16()
	sess.resultFormat = pgwire.FormatText
	for range resultFormatCount {
		code, _ := r.ReadInt16()
		sess.resultFormat = pgwire.Format(code)
	}

	sess.writeMsg(pgwire.MsgBindComplete, nil)
}

func (sess *session) handleDescribe() {
	if sess.inError {
		return
	}
	if len(sess.pendingResults) == 0 {
		sess.writeMsg(pgwire.MsgNoData, nil)
		return
	}
	res := sess.pendingResults[0]
	if res.ErrMsg != "" {
		sess.sendError("ERROR", errCode(res), res.ErrMsg)
		sess.inError = true
		return
	}
	if len(res.Columns) == 0 {
		sess.writeMsg(pgwire.MsgNoData, nil)
		return
	}
	sess.sendRowDescription(res, sess.resultFormat)
}

// handleExecute delivers the first scripted result through the extended
// protocol. Returns false when the connection should be dropped.
func (sess *session) handleExecute() bool {
	if sess.inError {
		return true
	}
	if sess.pendingDrop {
		return false
	}
	if sess.pendingDelay > 0 && !sess.wait(sess.pendingDelay) {
		return false
	}
	if len(sess.pendingResults) == 0 {
		sess.writeMsg(pgwire.MsgEmptyQueryResponse, nil)
		return true
	}

	res := sess.pendingResults[0]
	if res.ErrMsg != "" {
		sess.sendError("ERROR", errCode(res), res.ErrMsg)
		sess.inError = true
		return true
	}

	for _, row := range res.Rows {
		sess.sendDataRow(row)
	}
	sess.sendCommandComplete(res)
	return true
}

// wait sleeps for d, abandoning the sleep when the server shuts down.
func (sess *session) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-sess.server.quit:
		return false
	}
}

//
// Wire encoding helpers.
//

func (sess *session) readMsg() (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(sess.reader, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length < 4 {
		return 0, nil, fmt.Errorf("bad message length %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(sess.reader, body); err != nil {
		return 0, nil, err
	}
	return header[0], body, nil
}

func (sess *session) writeMsg(msgType byte, body []byte) {
	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)+4))
	_, _ = sess.writer.Write(header)
	_, _ = sess.writer.Write(body)
}

func (sess *session) writeAuthRequest(authType int32, extra []byte) {
	w := pgwire.NewMessageWriter()
	w.WriteInt32(authType)
	w.WriteBytes(extra)
	sess.writeMsg(pgwire.MsgAuthenticationRequest, w.Bytes())
}

func (sess *session) sendReady() {
	sess.writeMsg(pgwire.MsgReadyForQuery, []byte{byte(pgwire.TxnStatusIdle)})
}

func (sess *session) sendError(severity, code, message string) {
	diag := &pgwire.Diagnostic{
		MessageType: pgwire.MsgErrorResponse,
		Severity:    severity,
		Code:        code,
		Message:     message,
	}
	sess.writeMsg(pgwire.MsgErrorResponse, diag.Encode())
}

// sendResult writes a complete result: row description, rows, completion.
func (sess *session) sendResult(res *Result, format pgwire.Format) {
	if len(res.Columns) > 0 {
		sess.sendRowDescription(res, format)
		for _, row := range res.Rows {
			sess.sendDataRow(row)
		}
	}
	sess.sendCommandComplete(res)
}

func (sess *session) sendRowDescription(res *Result, format pgwire.Format) {
	w := pgwire.NewMessageWriter()
	w.WriteInt16(int16(len(res.Columns)))
	for _, col := range res.Columns {
		w.WriteString(col)
		w.WriteUint32(0)          // table OID
		w.WriteInt16(0)           // attribute number
		w.WriteUint32(textTypeOID)
		w.WriteInt16(-1)          // variable length
		w.WriteInt32(-1)          // no type modifier
		w.WriteInt16(int16(format))
	}
	sess.writeMsg(pgwire.MsgRowDescription, w.Bytes())
}

func (sess *session) sendDataRow(row []any) {
	w := pgwire.NewMessageWriter()
	w.WriteInt16(int16(len(row)))
	for _, val := range row {
		if val == nil {
			w.WriteInt32(-1)
			continue
		}
		data := fmt.Appendf(nil, "%v", val)
		w.WriteInt32(int32(len(data)))
		w.WriteBytes(data)
	}
	sess.writeMsg(pgwire.MsgDataRow, w.Bytes())
}

func (sess *session) sendCommandComplete(res *Result) {
	tag := res.CommandTag
	if tag == "" {
		tag = fmt.Sprintf("SELECT %d", len(res.Rows))
	}
	w := pgwire.NewMessageWriter()
	w.WriteString(tag)
	sess.writeMsg(pgwire.MsgCommandComplete, w.Bytes())
}

func errCode(res *Result) string {
	if res.ErrCode != "" {
		return res.ErrCode
	}
	return "42601"
}
