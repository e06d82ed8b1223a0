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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/terratile/postgis/go/pgwire"
)

const (
	// scramSHA256Mechanism is the SASL mechanism name for SCRAM-SHA-256.
	scramSHA256Mechanism = "SCRAM-SHA-256"

	// scramNonceLength is the length of the client nonce in bytes.
	scramNonceLength = 24
)

// scramClient handles the SCRAM-SHA-256 authentication flow.
type scramClient struct {
	conn     *Conn
	username string
	password string

	// State maintained across the authentication exchange.
	clientNonce            string
	clientFirstMessageBare string
	serverFirstMessage     string
	saltedPassword         []byte
}

// newScramClient creates a new SCRAM client for authentication.
func newScramClient(conn *Conn, username, password string) *scramClient {
	return &scramClient{
		conn:     conn,
		username: username,
		password: password,
	}
}

// authenticate performs the full SCRAM-SHA-256 authentication exchange.
func (s *scramClient) authenticate() error {
	if err := s.sendClientFirst(); err != nil {
		return fmt.Errorf("SCRAM client-first failed: %w", err)
	}
	if err := s.receiveServerFirst(); err != nil {
		return fmt.Errorf("SCRAM server-first failed: %w", err)
	}
	if err := s.sendClientFinal(); err != nil {
		return fmt.Errorf("SCRAM client-final failed: %w", err)
	}
	if err := s.receiveServerFinal(); err != nil {
		return fmt.Errorf("SCRAM server-final failed: %w", err)
	}
	return nil
}

// sendClientFirst sends the SASLInitialResponse with the client-first message.
func (s *scramClient) sendClientFirst() error {
	nonceBytes := make([]byte, scramNonceLength)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	s.clientNonce = base64.StdEncoding.EncodeToString(nonceBytes)

	// client-first-message-bare: n=<username>,r=<nonce>
	// Username escaping: '=' -> '=3D', ',' -> '=2C'.
	escapedUsername := strings.ReplaceAll(s.username, "=", "=3D")
	escapedUsername = strings.ReplaceAll(escapedUsername, ",", "=2C")
	s.clientFirstMessageBare = fmt.Sprintf("n=%s,r=%s", escapedUsername, s.clientNonce)

	// "n,," means no channel binding.
	clientFirstMessage := "n,," + s.clientFirstMessageBare

	w := pgwire.NewMessageWriter()
	w.WriteString(scramSHA256Mechanism)
	w.WriteInt32(int32(len(clientFirstMessage)))
	w.WriteBytes([]byte(clientFirstMessage))

	return s.conn.writeMessage(pgwire.MsgPasswordMsg, w.Bytes())
}

// receiveServerFirst receives and parses the AuthenticationSASLContinue message.
func (s *scramClient) receiveServerFirst() error {
	msgType, body, err := s.conn.readMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if msgType == pgwire.MsgErrorResponse {
		diag := pgwire.ParseDiagnostic(msgType, body)
		s.conn.lastErr = diag.Error()
		return diag
	}
	if msgType != pgwire.MsgAuthenticationRequest {
		return fmt.Errorf("expected AuthenticationRequest, got %c", msgType)
	}

	reader := pgwire.NewMessageReader(body)
	authType, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read auth type: %w", err)
	}
	if authType != pgwire.AuthSASLContinue {
		return fmt.Errorf("expected AuthSASLContinue, got %d", authType)
	}

	serverData, err := reader.ReadBytes(reader.Remaining())
	if err != nil {
		return fmt.Errorf("failed to read server data: %w", err)
	}
	s.serverFirstMessage = string(serverData)
	return nil
}

// sendClientFinal computes the proof and sends the client-final message.
func (s *scramClient) sendClientFinal() error {
	// server-first-message: r=<nonce>,s=<salt>,i=<iterations>
	var serverNonce, saltB64 string
	var iterations int

	for part := range strings.SplitSeq(s.serverFirstMessage, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			serverNonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		case strings.HasPrefix(part, "i="):
			var err error
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return fmt.Errorf("invalid iteration count: %w", err)
			}
		}
	}

	if !strings.HasPrefix(serverNonce, s.clientNonce) {
		return fmt.Errorf("server nonce doesn't start with client nonce")
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("failed to decode salt: %w", err)
	}

	// SaltedPassword = Hi(password, salt, iterations).
	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)

	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	// c=<base64("n,,")>,r=<nonce>
	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)

	authMessage := s.clientFirstMessageBare + "," + s.serverFirstMessage + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMessage := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	w := pgwire.NewMessageWriter()
	w.WriteBytes([]byte(clientFinalMessage))

	return s.conn.writeMessage(pgwire.MsgPasswordMsg, w.Bytes())
}

// receiveServerFinal receives and verifies the AuthenticationSASLFinal message.
func (s *scramClient) receiveServerFinal() error {
	msgType, body, err := s.conn.readMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if msgType == pgwire.MsgErrorResponse {
		diag := pgwire.ParseDiagnostic(msgType, body)
		s.conn.lastErr = diag.Error()
		return diag
	}
	if msgType != pgwire.MsgAuthenticationRequest {
		return fmt.Errorf("expected AuthenticationRequest, got %c", msgType)
	}

	reader := pgwire.NewMessageReader(body)
	authType, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read auth type: %w", err)
	}
	if authType != pgwire.AuthSASLFinal {
		return fmt.Errorf("expected AuthSASLFinal, got %d", authType)
	}

	serverFinalData, err := reader.ReadBytes(reader.Remaining())
	if err != nil {
		return fmt.Errorf("failed to read server final data: %w", err)
	}
	serverFinalMessage := string(serverFinalData)

	if !strings.HasPrefix(serverFinalMessage, "v=") {
		return fmt.Errorf("invalid server-final-message format")
	}
	serverSignature, err := base64.StdEncoding.DecodeString(serverFinalMessage[2:])
	if err != nil {
		return fmt.Errorf("failed to decode server signature: %w", err)
	}

	// ServerSignature = HMAC(ServerKey, AuthMessage).
	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	var serverNonce string
	for part := range strings.SplitSeq(s.serverFirstMessage, ",") {
		if strings.HasPrefix(part, "r=") {
			serverNonce = part[2:]
			break
		}
	}
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)
	authMessage := s.clientFirstMessageBare + "," + s.serverFirstMessage + "," + clientFinalWithoutProof

	expectedServerSignature := hmacSHA256(serverKey, []byte(authMessage))

	if !hmac.Equal(serverSignature, expectedServerSignature) {
		return fmt.Errorf("server signature verification failed")
	}
	return nil
}

// hmacSHA256 computes HMAC-SHA-256.
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// sha256Sum computes a SHA-256 hash.
func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// xorBytes XORs two byte slices of equal length.
func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
