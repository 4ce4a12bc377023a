package evpg

import (
	"errors"
	"fmt"
)

// ── Error taxonomy ──────────────────────────────────────────────────────
//
// Four error classes surface from the client layer:
//
//   - ConnectionError: socket/handshake failure, fatal until reconnect
//   - QueryError:      server-reported SQL error, connection stays usable
//   - TimeoutError:    query or connect deadline exceeded; the connection
//                      is marked Aborted and needs an explicit reset
//   - ProtocolError:   malformed response from the driver, always fatal
//
// QueryError never triggers reconnection. ConnectionError and
// ProtocolError route through the reconnect policy when autoreconnect is
// enabled. TimeoutError always propagates directly.

// ErrResetRequired is returned when a command is issued against a
// connection whose previous command expired. The connection refuses new
// commands until an explicit reset succeeds.
var ErrResetRequired = errors.New("evpg: previous command expired, connection reset required")

// ErrCommandInProgress is returned when a second command is issued while
// one is still outstanding on the same connection.
var ErrCommandInProgress = errors.New("evpg: command already in progress on this connection")

// ErrPoolClosed is returned when operating on a closed pool.
var ErrPoolClosed = errors.New("evpg: pool is closed")

// ConnectionError reports that the physical connection is no longer
// usable (handshake failure, socket error, server gone away).
type ConnectionError struct {
	Op    string // operation that observed the failure
	Msg   string // driver diagnostic message
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("evpg: connection bad during %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("evpg: connection bad during %s", e.Op)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// QueryError is a server-reported SQL error. Field layout mirrors the
// server's error response fields.
type QueryError struct {
	Severity string
	Code     string // SQLSTATE
	Message  string
	Detail   string
	Hint     string
	Position int
}

func (e *QueryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("evpg: %s %s: %s", e.Severity, e.Code, e.Message)
	}
	return fmt.Sprintf("evpg: %s: %s", e.Severity, e.Message)
}

// TimeoutError reports an exceeded query or connect deadline.
type TimeoutError struct {
	Op      string // "query" or "connect"
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("evpg: %s timeout after %s", e.Op, e.Elapsed)
}

// ProtocolError reports a malformed response from the driver.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("evpg: protocol error: %s", e.Msg)
}

// IsDisconnect reports whether err indicates a dead connection, i.e.
// whether recovery requires a reconnect rather than a retry on the same
// connection. This is the default disconnect class used by the pool.
func IsDisconnect(err error) bool {
	var ce *ConnectionError
	var pe *ProtocolError
	return errors.As(err, &ce) || errors.As(err, &pe)
}
