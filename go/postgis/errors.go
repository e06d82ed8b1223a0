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
	"errors"
)

// Kind classifies a datasource failure. Every kind except KindConnect
// leaves the connection closed: after a protocol-level failure the stream
// state is unknown and the handle is invalidated rather than reused.
type Kind int

const (
	// KindConnect means handle construction failed; no handle exists.
	KindConnect Kind = iota + 1

	// KindSend means the initial statement submission was rejected.
	KindSend

	// KindTimeout means the readiness wait expired or failed at the I/O
	// level before a complete result arrived.
	KindTimeout

	// KindProtocol means the exchange completed with an unexpected result
	// status, or a required result was missing.
	KindProtocol
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindSend:
		return "send"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the composed diagnostic carried by every raising operation:
// an origin tag, the server's status/error text at the time of failure,
// and for query operations the original SQL text.
//
// Note the connection string in a connect failure is reproduced verbatim,
// including any password parameter. Callers that log these errors should
// be aware of that.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the originating operation, e.g. "executeQuery".
	Op string

	// Status is the server's status/error text when the failure occurred,
	// or the I/O error text for timeout/IO failures.
	Status string

	// SQL is the submitted statement, set for query operations.
	SQL string

	// ConnInfo is the connection string, set for connect failures.
	ConnInfo string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "postgis: " + e.Status
	if e.ConnInfo != "" {
		msg += "\nconnection string: '" + e.ConnInfo + "'"
	}
	if e.SQL != "" {
		msg += "\nin " + e.Op + " full sql was: '" + e.SQL + "'"
	} else if e.Op != "" {
		msg += "\nin " + e.Op
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain.
// Returns 0 when err does not carry a datasource Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
