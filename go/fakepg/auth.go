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
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // MD5 is part of PostgreSQL's legacy authentication protocol
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/terratile/postgis/go/pgwire"
)

const (
	scramMechanism  = "SCRAM-SHA-256"
	scramIterations = 4096
)

// authenticate runs the configured authentication exchange. A nil return
// means the client passed; any error aborts the connection.
func (sess *session) authenticate(mode AuthMode, user, password string) error {
	switch mode {
	case AuthTrust:
		return nil
	case AuthCleartext:
		return sess.authCleartext(password)
	case AuthMD5:
		return sess.authMD5(user, password)
	case AuthSCRAM:
		return sess.authSCRAM(password)
	default:
		return fmt.Errorf("unknown auth mode %d", mode)
	}
}

func (sess *session) authCleartext(password string) error {
	sess.writeAuthRequest(pgwire.AuthCleartextPassword, nil)
	if err := sess.writer.Flush(); err != nil {
		return err
	}

	got, err := sess.readPassword()
	if err != nil {
		return err
	}
	if got != password {
		return sess.rejectAuth()
	}
	return nil
}

func (sess *session) authMD5(user, password string) error {
	salt := make([]byte, 4)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	sess.writeAuthRequest(pgwire.AuthMD5Password, salt)
	if err := sess.writer.Flush(); err != nil {
		return err
	}

	got, err := sess.readPassword()
	if err != nil {
		return err
	}

	h1 := md5.New() //nolint:gosec
	h1.Write([]byte(password))
	h1.Write([]byte(user))
	inner := hex.EncodeToString(h1.Sum(nil))

	h2 := md5.New() //nolint:gosec
	h2.Write([]byte(inner))
	h2.Write(salt)
	expected := "md5" + hex.EncodeToString(h2.Sum(nil))

	if got != expected {
		return sess.rejectAuth()
	}
	return nil
}

// authSCRAM runs the server side of a SCRAM-SHA-256 exchange (RFC 7677).
func (sess *session) authSCRAM(password string) error {
	w := pgwire.NewMessageWriter()
	w.WriteString(scramMechanism)
	w.WriteByte(0) // end of mechanism list
	sess.writeAuthRequest(pgwire.AuthSASL, w.Bytes())
	if err := sess.writer.Flush(); err != nil {
		return err
	}

	// SASLInitialResponse: mechanism name, then length-prefixed client-first.
	msgType, body, err := sess.readMsg()
	if err != nil {
		return err
	}
	if msgType != pgwire.MsgPasswordMsg {
		return fmt.Errorf("expected SASLInitialResponse, got %c", msgType)
	}
	r := pgwire.NewMessageReader(body)
	mech, err := r.ReadString()
	if err != nil {
		return err
	}
	if mech != scramMechanism {
		return fmt.Errorf("unexpected SASL mechanism %q", mech)
	}
	dataLen, err := r.ReadInt32()
	if err != nil {
		return err
	}
	clientFirstRaw, err := r.ReadBytes(int(dataLen))
	if err != nil {
		return err
	}
	clientFirst := string(clientFirstRaw)

	// client-first-message: gs2-header "n,," then client-first-message-bare.
	bare, ok := strings.CutPrefix(clientFirst, "n,,")
	if !ok {
		return fmt.Errorf("unsupported gs2 header in %q", clientFirst)
	}
	var clientNonce string
	for part := range strings.SplitSeq(bare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}
	if clientNonce == "" {
		return fmt.Errorf("missing client nonce")
	}

	serverNonceSuffix := make([]byte, 18)
	if _, err := rand.Read(serverNonceSuffix); err != nil {
		return err
	}
	combinedNonce := clientNonce + base64.StdEncoding.EncodeToString(serverNonceSuffix)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		combinedNonce, base64.StdEncoding.EncodeToString(salt), scramIterations)
	sess.writeAuthRequest(pgwire.AuthSASLContinue, []byte(serverFirst))
	if err := sess.writer.Flush(); err != nil {
		return err
	}

	// SASLResponse carries the client-final message.
	msgType, body, err = sess.readMsg()
	if err != nil {
		return err
	}
	if msgType != pgwire.MsgPasswordMsg {
		return fmt.Errorf("expected SASLResponse, got %c", msgType)
	}
	clientFinal := string(body)

	var proofB64, channelBinding, finalNonce string
	for part := range strings.SplitSeq(clientFinal, ",") {
		switch {
		case strings.HasPrefix(part, "p="):
			proofB64 = part[2:]
		case strings.HasPrefix(part, "c="):
			channelBinding = part[2:]
		case strings.HasPrefix(part, "r="):
			finalNonce = part[2:]
		}
	}
	if finalNonce != combinedNonce {
		return sess.rejectAuth()
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return sess.rejectAuth()
	}

	withoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, finalNonce)
	authMessage := bare + "," + serverFirst + "," + withoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, scramIterations, sha256.Size, sha256.New)
	clientKeyExpected := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKeyExpected)
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))

	if len(proof) != len(clientSignature) {
		return sess.rejectAuth()
	}
	clientKey := make([]byte, len(proof))
	for i := range proof {
		clientKey[i] = proof[i] ^ clientSignature[i]
	}
	recoveredStoredKey := sha256.Sum256(clientKey)
	if !hmac.Equal(recoveredStoredKey[:], storedKey[:]) {
		return sess.rejectAuth()
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	final := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	sess.writeAuthRequest(pgwire.AuthSASLFinal, []byte(final))
	return nil
}

// readPassword reads a PasswordMessage and returns its contents.
func (sess *session) readPassword() (string, error) {
	msgType, body, err := sess.readMsg()
	if err != nil {
		return "", err
	}
	if msgType != pgwire.MsgPasswordMsg {
		return "", fmt.Errorf("expected PasswordMessage, got %c", msgType)
	}
	r := pgwire.NewMessageReader(body)
	return r.ReadString()
}

// rejectAuth sends the standard authentication failure and reports an
// error so the caller drops the connection.
func (sess *session) rejectAuth() error {
	sess.sendError("FATAL", "28P01", "password authentication failed")
	_ = sess.writer.Flush()
	return fmt.Errorf("authentication failed")
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
