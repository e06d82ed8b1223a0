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

// Package pgclient implements a single-connection PostgreSQL wire protocol
// frontend: dial, startup handshake with authentication, statement
// submission, and cooperative (non-blocking consume / busy-check /
// readiness-wait) result retrieval.
//
// A Conn is not safe for concurrent use. The surrounding layer is expected
// to drive it from one goroutine at a time.
package pgclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/terratile/postgis/go/pgwire"
)

const (
	// connBufferSize is the size of the read and write buffers.
	connBufferSize = 16 * 1024

	// maxMessageSize bounds a single backend message. Anything larger is
	// treated as a framing error and breaks the connection.
	maxMessageSize = 1 << 30

	// consumePollInterval is the deadline used for the "read whatever is
	// already buffered" poll in ConsumeInput. The Go runtime fails reads
	// whose deadline has already expired without delivering buffered data,
	// so the poll needs a non-zero window.
	consumePollInterval = time.Millisecond
)

// ErrWaitTimeout is returned by WaitReadable when no data arrived within
// the readiness budget.
var ErrWaitTimeout = errors.New("pgclient: readiness wait timed out")

// Config holds the configuration for connecting to a PostgreSQL server.
type Config struct {
	// Host is the server hostname or IP address.
	Host string

	// Port is the server port number.
	Port int

	// User is the PostgreSQL user name.
	User string

	// Password is the user's password (optional for trust auth).
	Password string

	// Database is the database name to connect to.
	Database string

	// Parameters are additional startup parameters passed through verbatim.
	Parameters map[string]string

	// DialTimeout bounds connection establishment including the startup
	// handshake. Zero means no client-side bound.
	DialTimeout time.Duration
}

// message is one complete backend message, framed off the wire.
type message struct {
	typ  byte
	body []byte
}

// Conn represents a client connection to a PostgreSQL server.
//
// Reads are buffered in two stages: raw bytes accumulate in recvBuf, and
// complete messages are framed into queue. This split is what makes the
// non-blocking ConsumeInput / Busy / GetResult protocol possible: Busy
// inspects the framed queue without touching the socket.
type Conn struct {
	// netConn is the underlying network connection.
	netConn net.Conn

	// bufferedWriter is used for writing to the connection.
	bufferedWriter *bufio.Writer

	// config is the connection configuration.
	config *Config

	// recvBuf holds raw bytes not yet framed into complete messages.
	recvBuf []byte

	// queue holds framed messages not yet consumed.
	queue []message

	// scratch is the socket read buffer.
	scratch []byte

	// Backend key data received from the server.
	processID uint32
	secretKey uint32

	// serverParams holds parameters reported during startup and via
	// ParameterStatus updates.
	serverParams map[string]string

	// txnStatus is the current transaction status.
	txnStatus pgwire.TransactionStatus

	// resultPending is true between a statement submission and the
	// consumption of its trailing ReadyForQuery.
	resultPending bool

	// lastErr is the most recent error text, server-reported or I/O.
	lastErr string

	// broken is set on any I/O or framing error; the protocol stream state
	// is unknown afterwards.
	broken bool

	// closed indicates whether the connection has been closed.
	closed atomic.Bool

	logger *slog.Logger
}

// Connect establishes a new connection to a PostgreSQL server and performs
// the startup handshake, failing eagerly if the server is unreachable or
// authentication is rejected.
func Connect(ctx context.Context, config *Config) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout: config.DialTimeout,
	}

	address := net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port))
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	c := &Conn{
		netConn:        netConn,
		bufferedWriter: bufio.NewWriterSize(netConn, connBufferSize),
		config:         config,
		scratch:        make([]byte, connBufferSize),
		serverParams:   make(map[string]string),
		txnStatus:      pgwire.TxnStatusIdle,
		logger:         slog.Default(),
	}

	// Bound the whole handshake by the dial timeout and the context.
	if deadline, ok := handshakeDeadline(ctx, config.DialTimeout); ok {
		_ = netConn.SetDeadline(deadline)
	}

	if err := c.startup(); err != nil {
		_ = c.netConn.Close()
		c.closed.Store(true)
		return nil, fmt.Errorf("startup failed: %w", err)
	}

	_ = netConn.SetDeadline(time.Time{})

	c.logger.Debug("pgclient: connection established",
		"address", address,
		"database", config.Database,
		"backend_pid", c.processID,
	)

	return c, nil
}

func handshakeDeadline(ctx context.Context, dialTimeout time.Duration) (time.Time, bool) {
	var deadline time.Time
	if dialTimeout > 0 {
		deadline = time.Now().Add(dialTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}
	return deadline, !deadline.IsZero()
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed.
	}

	// Send Terminate message (best effort).
	_ = c.writeMessageNoFlush(pgwire.MsgTerminate, nil)
	_ = c.flush()

	c.logger.Debug("pgclient: connection closed")
	return c.netConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Healthy reports whether the connection is open and the protocol stream is
// not in a broken state. This is the client-side analogue of a libpq
// CONNECTION_OK status check.
func (c *Conn) Healthy() bool {
	return !c.closed.Load() && !c.broken
}

// ErrorText returns the most recent error text seen on this connection,
// whether reported by the server or produced by an I/O failure. Empty when
// no error has occurred.
func (c *Conn) ErrorText() string {
	return c.lastErr
}

// ServerParam returns the server-reported value of a startup parameter such
// as "client_encoding" or "server_version". Empty when unreported.
func (c *Conn) ServerParam(name string) string {
	return c.serverParams[name]
}

// ProcessID returns the backend process ID.
func (c *Conn) ProcessID() uint32 {
	return c.processID
}

// SecretKey returns the backend secret key for query cancellation.
func (c *Conn) SecretKey() uint32 {
	return c.secretKey
}

// TxnStatus returns the current transaction status.
func (c *Conn) TxnStatus() pgwire.TransactionStatus {
	return c.txnStatus
}

// fail records an I/O or framing error and marks the stream broken.
func (c *Conn) fail(err error) error {
	c.broken = true
	c.lastErr = err.Error()
	return err
}

// flush flushes any buffered writes.
func (c *Conn) flush() error {
	return c.bufferedWriter.Flush()
}

// writeMessage writes a complete message with type, length, and body, then
// flushes.
func (c *Conn) writeMessage(msgType byte, body []byte) error {
	if err := c.writeMessageNoFlush(msgType, body); err != nil {
		return err
	}
	return c.flush()
}

// writeMessageNoFlush writes a message without flushing.
func (c *Conn) writeMessageNoFlush(msgType byte, body []byte) error {
	if err := c.bufferedWriter.WriteByte(msgType); err != nil {
		return err
	}
	if err := c.writeUint32(uint32(pgwire.PacketHeaderSize + len(body))); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := c.bufferedWriter.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// writeUint32 writes a 32-bit unsigned integer in network byte order.
func (c *Conn) writeUint32(v uint32) error {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	_, err := c.bufferedWriter.Write(buf[:])
	return err
}

// readMore performs one socket read (bounded by deadline when non-zero),
// appends the bytes to recvBuf, and frames any completed messages.
// Returns the number of raw bytes read.
func (c *Conn) readMore(deadline time.Time) (int, error) {
	if err := c.netConn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := c.netConn.Read(c.scratch)
	if n > 0 {
		c.recvBuf = append(c.recvBuf, c.scratch[:n]...)
		if ferr := c.frameMessages(); ferr != nil {
			return n, ferr
		}
	}
	return n, err
}

// frameMessages slices complete messages off the front of recvBuf into the
// message queue. Partial trailing bytes stay in recvBuf.
func (c *Conn) frameMessages() error {
	for {
		if len(c.recvBuf) < 1+pgwire.PacketHeaderSize {
			return nil
		}
		typ := c.recvBuf[0]
		length := int(uint32(c.recvBuf[1])<<24 | uint32(c.recvBuf[2])<<16 | uint32(c.recvBuf[3])<<8 | uint32(c.recvBuf[4]))
		if length < pgwire.PacketHeaderSize || length > maxMessageSize {
			return c.fail(fmt.Errorf("invalid message length %d for message type %c", length, typ))
		}
		total := 1 + length
		if len(c.recvBuf) < total {
			return nil
		}

		var body []byte
		if bodyLen := length - pgwire.PacketHeaderSize; bodyLen > 0 {
			body = make([]byte, bodyLen)
			copy(body, c.recvBuf[1+pgwire.PacketHeaderSize:total])
		}
		c.queue = append(c.queue, message{typ: typ, body: body})
		c.recvBuf = c.recvBuf[total:]
	}
}

// nextMessage returns the next framed message, reading from the socket
// (blocking, no deadline) as needed.
func (c *Conn) nextMessage() (message, error) {
	for len(c.queue) == 0 {
		if c.closed.Load() {
			return message{}, c.fail(net.ErrClosed)
		}
		if _, err := c.readMore(time.Time{}); err != nil {
			if c.broken {
				return message{}, err
			}
			return message{}, c.fail(err)
		}
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

// readMessage reads a complete message, blocking as needed. It is the
// handshake-time counterpart of nextMessage.
func (c *Conn) readMessage() (byte, []byte, error) {
	msg, err := c.nextMessage()
	if err != nil {
		return 0, nil, err
	}
	return msg.typ, msg.body, nil
}

// ConsumeInput drains whatever input the kernel has buffered for this
// connection without waiting for more, framing complete messages for Busy
// and GetResult to inspect. It returns an error only on I/O or framing
// failure; "nothing available" is success.
func (c *Conn) ConsumeInput() error {
	if c.closed.Load() {
		return c.fail(net.ErrClosed)
	}
	if c.broken {
		return errors.New(c.lastErr)
	}
	for {
		n, err := c.readMore(time.Now().Add(consumePollInterval))
		if err != nil {
			if c.broken {
				return err
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil // Drained everything that was buffered.
			}
			return c.fail(err)
		}
		if n == 0 {
			return nil
		}
	}
}

// Busy reports whether the server has not yet delivered a complete result
// for the statement in flight. When Busy returns false, GetResult will not
// block on the socket.
func (c *Conn) Busy() bool {
	if !c.resultPending {
		return false
	}
	for _, m := range c.queue {
		switch m.typ {
		case pgwire.MsgCommandComplete,
			pgwire.MsgEmptyQueryResponse,
			pgwire.MsgErrorResponse,
			pgwire.MsgPortalSuspended,
			pgwire.MsgReadyForQuery:
			return false
		}
	}
	return true
}

// WaitReadable blocks until the socket has data to read or the budget
// elapses. A non-positive budget fails immediately with ErrWaitTimeout.
// Data that arrives is consumed into the message queue.
func (c *Conn) WaitReadable(budget time.Duration) error {
	if c.closed.Load() {
		return c.fail(net.ErrClosed)
	}
	if budget <= 0 {
		return ErrWaitTimeout
	}
	n, err := c.readMore(time.Now().Add(budget))
	if n > 0 && !c.broken {
		return nil
	}
	if err != nil {
		if c.broken {
			return err
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return ErrWaitTimeout
		}
		return c.fail(err)
	}
	return nil
}
