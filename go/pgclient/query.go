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

package pgclient

import (
	"fmt"
	"net"

	"github.com/terratile/postgis/go/pgwire"
)

// SendQuery submits a statement using the simple query protocol and returns
// without waiting for any result. Results are retrieved with ConsumeInput /
// Busy / GetResult.
func (c *Conn) SendQuery(sql string) error {
	if err := c.checkSendable(); err != nil {
		return err
	}

	w := pgwire.NewMessageWriter()
	w.WriteString(sql)
	if err := c.writeMessage(pgwire.MsgQuery, w.Bytes()); err != nil {
		return c.fail(fmt.Errorf("failed to send query: %w", err))
	}

	c.resultPending = true
	return nil
}

// SendQueryBinaryResult submits a parameterless statement through the
// extended query protocol, requesting binary format for all result columns.
// The whole Parse/Bind/Describe/Execute/Sync pipeline is sent in one flush.
func (c *Conn) SendQueryBinaryResult(sql string) error {
	if err := c.checkSendable(); err != nil {
		return err
	}

	// Parse: unnamed statement, no parameter types.
	w := pgwire.NewMessageWriter()
	w.WriteString("") // statement name
	w.WriteString(sql)
	w.WriteInt16(0) // no parameter types
	if err := c.writeMessageNoFlush(pgwire.MsgParse, w.Bytes()); err != nil {
		return c.fail(fmt.Errorf("failed to send Parse: %w", err))
	}

	// Bind: unnamed portal, no parameters, all result columns binary.
	w.Reset()
	w.WriteString("") // portal name
	w.WriteString("") // statement name
	w.WriteInt16(0)   // no parameter format codes
	w.WriteInt16(0)   // no parameter values
	w.WriteInt16(1)   // one result format code applying to all columns
	w.WriteInt16(int16(pgwire.FormatBinary))
	if err := c.writeMessageNoFlush(pgwire.MsgBind, w.Bytes()); err != nil {
		return c.fail(fmt.Errorf("failed to send Bind: %w", err))
	}

	// Describe the portal so a RowDescription precedes the rows.
	w.Reset()
	w.WriteByte('P')
	w.WriteString("")
	if err := c.writeMessageNoFlush(pgwire.MsgDescribe, w.Bytes()); err != nil {
		return c.fail(fmt.Errorf("failed to send Describe: %w", err))
	}

	// Execute with no row limit.
	w.Reset()
	w.WriteString("")
	w.WriteInt32(0)
	if err := c.writeMessageNoFlush(pgwire.MsgExecute, w.Bytes()); err != nil {
		return c.fail(fmt.Errorf("failed to send Execute: %w", err))
	}

	if err := c.writeMessageNoFlush(pgwire.MsgSync, nil); err != nil {
		return c.fail(fmt.Errorf("failed to send Sync: %w", err))
	}
	if err := c.flush(); err != nil {
		return c.fail(fmt.Errorf("failed to flush: %w", err))
	}

	c.resultPending = true
	return nil
}

func (c *Conn) checkSendable() error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.broken {
		return fmt.Errorf("connection is in a broken state: %s", c.lastErr)
	}
	return nil
}

// GetResult returns the next completed result for the statement in flight,
// or (nil, nil) once all results have been consumed. It reads from the
// socket as needed; call it only when Busy reports false to guarantee it
// will not block.
//
// A server error does not produce a Go error here: it produces a Result
// with StatusFatalError carrying the diagnostic, mirroring how the wire
// protocol folds errors into the result stream. Go errors are reserved for
// I/O and framing failures.
func (c *Conn) GetResult() (*pgwire.Result, error) {
	if !c.resultPending {
		return nil, nil
	}

	var res *pgwire.Result
	for {
		msg, err := c.nextMessage()
		if err != nil {
			return nil, err
		}

		switch msg.typ {
		case pgwire.MsgRowDescription:
			fields, err := parseRowDescription(msg.body)
			if err != nil {
				return nil, c.fail(err)
			}
			res = &pgwire.Result{Status: pgwire.StatusTuplesOK, Fields: fields}

		case pgwire.MsgDataRow:
			if res == nil {
				return nil, c.fail(fmt.Errorf("DataRow received without RowDescription"))
			}
			row, err := parseDataRow(msg.body)
			if err != nil {
				return nil, c.fail(err)
			}
			res.Rows = append(res.Rows, row)

		case pgwire.MsgCommandComplete:
			tag, err := parseCommandComplete(msg.body)
			if err != nil {
				return nil, c.fail(err)
			}
			if res == nil {
				res = &pgwire.Result{Status: pgwire.StatusCommandOK}
			}
			res.CommandTag = tag
			return res, nil

		case pgwire.MsgEmptyQueryResponse:
			return &pgwire.Result{Status: pgwire.StatusEmptyQuery}, nil

		case pgwire.MsgErrorResponse:
			diag := pgwire.ParseDiagnostic(msg.typ, msg.body)
			c.lastErr = diag.Error()
			// Drop any partial result; the error supersedes it.
			res.Release()
			return &pgwire.Result{Status: pgwire.StatusFatalError, Diag: diag}, nil

		case pgwire.MsgNoticeResponse:
			notice := pgwire.ParseDiagnostic(msg.typ, msg.body)
			c.logger.Debug("pgclient: server notice", "severity", notice.Severity, "message", notice.Message)

		case pgwire.MsgParameterStatus:
			if err := c.handleParameterStatus(msg.body); err != nil {
				return nil, c.fail(err)
			}

		case pgwire.MsgNotificationResponse:
			// LISTEN/NOTIFY is not part of this client's surface.

		case pgwire.MsgParseComplete, pgwire.MsgBindComplete, pgwire.MsgCloseComplete, pgwire.MsgNoData:
			// Extended-protocol bookkeeping; nothing to surface.

		case pgwire.MsgPortalSuspended:
			// Only possible with a row limit, which this client never sets.
			if res == nil {
				res = &pgwire.Result{Status: pgwire.StatusTuplesOK}
			}
			return res, nil

		case pgwire.MsgReadyForQuery:
			if len(msg.body) > 0 {
				c.txnStatus = pgwire.TransactionStatus(msg.body[0])
			}
			c.resultPending = false
			return nil, nil

		default:
			return nil, c.fail(fmt.Errorf("unexpected message type in query response: %c (0x%02x)", msg.typ, msg.typ))
		}
	}
}

// parseRowDescription parses a RowDescription message body.
func parseRowDescription(body []byte) ([]*pgwire.Field, error) {
	reader := pgwire.NewMessageReader(body)

	fieldCount, err := reader.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read field count: %w", err)
	}

	fields := make([]*pgwire.Field, fieldCount)
	for i := range fieldCount {
		field := &pgwire.Field{}

		field.Name, err = reader.ReadString()
		if err != nil {
			return nil, fmt.Errorf("failed to read field name: %w", err)
		}
		field.TableOID, err = reader.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("failed to read table OID: %w", err)
		}
		field.TableAttributeNumber, err = reader.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("failed to read attribute number: %w", err)
		}
		field.DataTypeOID, err = reader.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("failed to read data type OID: %w", err)
		}
		field.DataTypeSize, err = reader.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("failed to read data type size: %w", err)
		}
		field.TypeModifier, err = reader.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("failed to read type modifier: %w", err)
		}
		formatCode, err := reader.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("failed to read format code: %w", err)
		}
		field.Format = pgwire.Format(formatCode)

		fields[i] = field
	}

	return fields, nil
}

// parseDataRow parses a DataRow message body.
// Returns a Row where nil values represent NULL.
func parseDataRow(body []byte) (*pgwire.Row, error) {
	reader := pgwire.NewMessageReader(body)

	columnCount, err := reader.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read column count: %w", err)
	}

	row := &pgwire.Row{
		Values: make([]pgwire.Value, columnCount),
	}
	for i := range columnCount {
		value, err := reader.ReadByteString()
		if err != nil {
			return nil, fmt.Errorf("failed to read column value: %w", err)
		}
		// nil for NULL, []byte{} for empty string - preserved correctly
		row.Values[i] = value
	}

	return row, nil
}

// parseCommandComplete parses a CommandComplete message body.
func parseCommandComplete(body []byte) (string, error) {
	reader := pgwire.NewMessageReader(body)
	tag, err := reader.ReadString()
	if err != nil {
		return "", fmt.Errorf("failed to read command tag: %w", err)
	}
	return tag, nil
}
