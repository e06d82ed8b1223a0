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
	"crypto/md5" //nolint:gosec // MD5 is required by PostgreSQL's legacy authentication protocol
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/terratile/postgis/go/pgwire"
)

// startup performs the connection startup handshake: it sends the startup
// message and processes authentication and parameter reports until the
// server signals ReadyForQuery.
func (c *Conn) startup() error {
	if err := c.sendStartupMessage(); err != nil {
		return fmt.Errorf("failed to send startup message: %w", err)
	}
	return c.processStartupResponses()
}

// sendStartupMessage sends the startup message to the server.
func (c *Conn) sendStartupMessage() error {
	w := pgwire.NewMessageWriter()

	// Protocol version (3.0).
	w.WriteUint32(pgwire.ProtocolVersionNumber)

	// User parameter (required).
	w.WriteString("user")
	w.WriteString(c.config.User)

	// Database parameter (optional, defaults to the user name on the server).
	if c.config.Database != "" {
		w.WriteString("database")
		w.WriteString(c.config.Database)
	}

	// Additional parameters, passed through verbatim.
	for key, value := range c.config.Parameters {
		w.WriteString(key)
		w.WriteString(value)
	}

	// Null terminator for the parameter list.
	w.WriteByte(0)

	// The startup packet has no message type byte, just length + body.
	body := w.Bytes()
	if err := c.writeUint32(uint32(pgwire.PacketHeaderSize + len(body))); err != nil {
		return err
	}
	if _, err := c.bufferedWriter.Write(body); err != nil {
		return err
	}
	return c.flush()
}

// processStartupResponses processes all messages until ReadyForQuery.
func (c *Conn) processStartupResponses() error {
	for {
		msgType, body, err := c.readMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}

		switch msgType {
		case pgwire.MsgAuthenticationRequest:
			if err := c.handleAuthenticationRequest(body); err != nil {
				return err
			}

		case pgwire.MsgBackendKeyData:
			if err := c.handleBackendKeyData(body); err != nil {
				return err
			}

		case pgwire.MsgParameterStatus:
			if err := c.handleParameterStatus(body); err != nil {
				return err
			}

		case pgwire.MsgReadyForQuery:
			if len(body) < 1 {
				return fmt.Errorf("ready for query message too short")
			}
			c.txnStatus = pgwire.TransactionStatus(body[0])
			return nil

		case pgwire.MsgErrorResponse:
			diag := pgwire.ParseDiagnostic(msgType, body)
			c.lastErr = diag.Error()
			return diag

		case pgwire.MsgNoticeResponse:
			// Ignore notices during startup.

		default:
			return fmt.Errorf("unexpected message type during startup: %c (0x%02x)", msgType, msgType)
		}
	}
}

// handleAuthenticationRequest handles an AuthenticationRequest message.
func (c *Conn) handleAuthenticationRequest(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("authentication message too short")
	}

	reader := pgwire.NewMessageReader(body)
	authType, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read auth type: %w", err)
	}

	switch authType {
	case pgwire.AuthOk:
		return nil

	case pgwire.AuthCleartextPassword:
		return c.sendPasswordMessage(c.config.Password)

	case pgwire.AuthMD5Password:
		salt, err := reader.ReadBytes(4)
		if err != nil {
			return fmt.Errorf("failed to read MD5 salt: %w", err)
		}
		return c.sendMD5PasswordMessage(c.config.Password, salt)

	case pgwire.AuthSASL:
		var mechanisms []string
		for reader.Remaining() > 0 {
			mech, err := reader.ReadString()
			if err != nil {
				return fmt.Errorf("failed to read SASL mechanism: %w", err)
			}
			if mech == "" {
				break
			}
			mechanisms = append(mechanisms, mech)
		}

		if !slices.Contains(mechanisms, scramSHA256Mechanism) {
			return fmt.Errorf("server does not support %s (available: %v)", scramSHA256Mechanism, mechanisms)
		}

		scram := newScramClient(c, c.config.User, c.config.Password)
		return scram.authenticate()

	default:
		return fmt.Errorf("unsupported authentication method: %d", authType)
	}
}

// sendPasswordMessage sends a cleartext password message.
func (c *Conn) sendPasswordMessage(password string) error {
	w := pgwire.NewMessageWriter()
	w.WriteString(password)
	return c.writeMessage(pgwire.MsgPasswordMsg, w.Bytes())
}

// sendMD5PasswordMessage sends an MD5 hashed password message.
// MD5 password format: "md5" + md5(md5(password + user) + salt).
func (c *Conn) sendMD5PasswordMessage(password string, salt []byte) error {
	h1 := md5.New() //nolint:gosec // Required by PostgreSQL protocol
	h1.Write([]byte(password))
	h1.Write([]byte(c.config.User))
	hash1 := hex.EncodeToString(h1.Sum(nil))

	h2 := md5.New() //nolint:gosec // Required by PostgreSQL protocol
	h2.Write([]byte(hash1))
	h2.Write(salt)
	hash2 := hex.EncodeToString(h2.Sum(nil))

	return c.sendPasswordMessage("md5" + hash2)
}

// handleBackendKeyData handles a BackendKeyData message.
func (c *Conn) handleBackendKeyData(body []byte) error {
	if len(body) < 8 {
		return fmt.Errorf("backend key data message too short")
	}

	reader := pgwire.NewMessageReader(body)

	processID, err := reader.ReadUint32()
	if err != nil {
		return fmt.Errorf("failed to read process ID: %w", err)
	}
	secretKey, err := reader.ReadUint32()
	if err != nil {
		return fmt.Errorf("failed to read secret key: %w", err)
	}

	c.processID = processID
	c.secretKey = secretKey
	return nil
}

// handleParameterStatus handles a ParameterStatus message.
func (c *Conn) handleParameterStatus(body []byte) error {
	reader := pgwire.NewMessageReader(body)

	name, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read parameter name: %w", err)
	}
	value, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read parameter value: %w", err)
	}

	c.serverParams[name] = value
	return nil
}
