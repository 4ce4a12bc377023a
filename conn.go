package evpg

import (
	"context"
	"errors"
	"sync"

	"github.com/evpg/evpg/internal/metrics"
)

// ConnState is the client-side lifecycle state of a connection.
type ConnState int

const (
	ConnStateOK      ConnState = iota // usable
	ConnStateBad                      // dead until a reconnect succeeds
	ConnStateAborted                  // previous command expired; explicit reset required
)

func (s ConnState) String() string {
	switch s {
	case ConnStateOK:
		return "ok"
	case ConnStateBad:
		return "bad"
	case ConnStateAborted:
		return "aborted"
	}
	return "unknown"
}

// ErrConnClosed is returned for operations on an explicitly closed
// connection.
var ErrConnClosed = errors.New("evpg: connection is closed")

// ErrCommandAborted fails a command that was abandoned by a forced
// reset. An abandoned command is never resubmitted.
var ErrCommandAborted = errors.New("evpg: command abandoned by connection reset")

// Conn is one logical database session. Its identity survives
// reconnects: a reset replaces the physical connection underneath the
// same Conn. A Conn owns at most one active result pump at a time.
type Conn struct {
	mu  sync.Mutex
	r   Reactor
	d   Driver
	cfg Config

	state     ConnState
	pump      *resultPump
	handshake *handshakePump

	// lastTx is the transaction status snapshot taken at command-send
	// time; the reconnect policy consults it, not the live status.
	lastTx TxStatus

	notifyWaiters []*Future
	notifyWatch   Watch

	// txNesting counts nested pool-transaction entries on this
	// connection; only the outermost issues BEGIN/COMMIT.
	txNesting int

	closed bool
}

// enterTx increments the transaction nesting counter and returns the
// new depth.
func (c *Conn) enterTx() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txNesting++
	return c.txNesting
}

// exitTx decrements the transaction nesting counter.
func (c *Conn) exitTx() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txNesting > 0 {
		c.txNesting--
	}
}

// NewConn wraps a driver in a logical session without connecting it.
// Call ConnectAsync (or the blocking Connect) to establish it.
func NewConn(r Reactor, d Driver, cfg *Config) *Conn {
	c := &Conn{r: r, d: d, state: ConnStateBad}
	if cfg != nil {
		c.cfg = *cfg
	}
	return c
}

// Connect establishes a new connection and blocks until the handshake
// settles.
func Connect(ctx context.Context, r Reactor, d Driver, cfg *Config) (*Conn, error) {
	c := NewConn(r, d, cfg)
	if _, err := c.ConnectAsync().Await(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the client-side connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TransactionStatus returns the live server-side transaction status.
func (c *Conn) TransactionStatus() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.d.TransactionStatus()
}

// Config returns a copy of the connection's configuration.
func (c *Conn) Config() Config { return c.cfg }

// ── Handshake operations ────────────────────────────────────────────────

// ConnectAsync starts the initial non-blocking handshake.
func (c *Conn) ConnectAsync() *Future {
	return c.startHandshake(hsConnect)
}

// ResetAsync starts a non-blocking reset of the physical connection,
// reusing the underlying connection object. A command in flight is
// abandoned and fails with ErrCommandAborted.
func (c *Conn) ResetAsync() *Future {
	return c.startHandshake(hsReset)
}

// Reset blocks until a reset settles.
func (c *Conn) Reset(ctx context.Context) error {
	_, err := c.ResetAsync().Await(ctx)
	return err
}

func (c *Conn) startHandshake(kind handshakeKind) *Future {
	f := NewFuture(c.r)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Fail(ErrConnClosed)
		return f
	}
	if c.handshake != nil {
		c.mu.Unlock()
		f.Fail(ErrCommandInProgress)
		return f
	}

	// Forced reconnect is the only way to abandon a flushed command.
	var abandoned func()
	if c.pump != nil {
		abandoned = c.pump.closeLocked(nil, &ConnectionError{Op: "reset", Cause: ErrCommandAborted})
	}

	// The handshake owns the readiness subscription; notify waiters get
	// their watch back once it completes.
	if c.notifyWatch != nil {
		c.notifyWatch.Cancel()
		c.notifyWatch = nil
	}

	hs := &handshakePump{c: c, f: f, kind: kind}
	if err := hs.start(); err != nil {
		c.state = ConnStateBad
		c.mu.Unlock()
		if abandoned != nil {
			abandoned()
		}
		f.Fail(err)
		return f
	}
	c.handshake = hs
	c.mu.Unlock()
	if abandoned != nil {
		abandoned()
	}
	return f
}

// Close tears the connection down and releases the driver. In-flight
// work fails with ErrConnClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = ConnStateBad

	var fins []func()
	if c.pump != nil {
		fins = append(fins, c.pump.closeLocked(nil, ErrConnClosed))
	}
	if c.handshake != nil {
		hs := c.handshake
		fins = append(fins, hs.closeLocked(), func() { hs.f.Fail(ErrConnClosed) })
	}
	if c.notifyWatch != nil {
		c.notifyWatch.Cancel()
		c.notifyWatch = nil
	}
	waiters := c.notifyWaiters
	c.notifyWaiters = nil
	c.mu.Unlock()

	for _, fin := range fins {
		fin()
	}
	for _, w := range waiters {
		w.Fail(ErrConnClosed)
	}
	c.d.Finish()
	return nil
}

// ── Command dispatch ────────────────────────────────────────────────────
//
// Every command variant (exec, exec_params, prepare, exec_prepared,
// describe — deferred or blocking, aggregate or single-row) goes through
// one shared send/pump/retry routine parameterized by Command.Kind.

// QueryAsync sends a query and settles with the last statement's
// *Result (aggregate mode). With bind arguments it uses the extended
// protocol, otherwise a simple query.
func (c *Conn) QueryAsync(sql string, args ...any) *Future {
	cmd := Command{Kind: KindExec, SQL: sql}
	if len(args) > 0 {
		cmd.Kind = KindExecParams
		cmd.Args = args
	}
	return c.dispatch(cmd, nil)
}

// Query is the blocking flavor of QueryAsync.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	return awaitResult(ctx, c.QueryAsync(sql, args...))
}

// StreamAsync sends a query in single-row mode: onRow receives each row
// as it arrives, without buffering across rows; the Future settles with
// the trailing command status once the stream completes.
func (c *Conn) StreamAsync(sql string, onRow RowFunc, args ...any) *Future {
	cmd := Command{Kind: KindExec, SQL: sql, SingleRow: true}
	if len(args) > 0 {
		cmd.Kind = KindExecParams
		cmd.Args = args
	}
	return c.dispatch(cmd, onRow)
}

// Stream is the blocking flavor of StreamAsync.
func (c *Conn) Stream(ctx context.Context, sql string, onRow RowFunc, args ...any) error {
	_, err := c.StreamAsync(sql, onRow, args...).Await(ctx)
	return err
}

// PrepareAsync prepares a named statement.
func (c *Conn) PrepareAsync(name, sql string) *Future {
	return c.dispatch(Command{Kind: KindPrepare, Name: name, SQL: sql}, nil)
}

// Prepare is the blocking flavor of PrepareAsync.
func (c *Conn) Prepare(ctx context.Context, name, sql string) error {
	_, err := c.PrepareAsync(name, sql).Await(ctx)
	return err
}

// ExecPreparedAsync executes a named prepared statement.
func (c *Conn) ExecPreparedAsync(name string, args ...any) *Future {
	return c.dispatch(Command{Kind: KindExecPrepared, Name: name, Args: args}, nil)
}

// ExecPrepared is the blocking flavor of ExecPreparedAsync.
func (c *Conn) ExecPrepared(ctx context.Context, name string, args ...any) (*Result, error) {
	return awaitResult(ctx, c.ExecPreparedAsync(name, args...))
}

// DescribeAsync describes a named prepared statement.
func (c *Conn) DescribeAsync(name string) *Future {
	return c.dispatch(Command{Kind: KindDescribe, Name: name}, nil)
}

// Describe is the blocking flavor of DescribeAsync.
func (c *Conn) Describe(ctx context.Context, name string) (*Result, error) {
	return awaitResult(ctx, c.DescribeAsync(name))
}

func (c *Conn) dispatch(cmd Command, onRow RowFunc) *Future {
	f := NewFuture(c.r)
	c.startCommand(cmd, onRow, f)
	return f
}

// startCommand flushes the command and registers a result pump. It is
// re-entered by the reconnect policy when a resubmission is decided, so
// every failure path funnels through commandFailed with the transaction
// snapshot taken at this send.
func (c *Conn) startCommand(cmd Command, onRow RowFunc, f *Future) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Fail(ErrConnClosed)
		return
	}
	if c.state == ConnStateAborted {
		c.mu.Unlock()
		f.Fail(ErrResetRequired)
		return
	}
	if c.pump != nil || c.handshake != nil {
		c.mu.Unlock()
		f.Fail(ErrCommandInProgress)
		return
	}
	if cmd.SingleRow && onRow == nil {
		c.mu.Unlock()
		f.Fail(&ProtocolError{Msg: "single-row command without a row consumer"})
		return
	}

	c.lastTx = c.d.TransactionStatus()
	txOpen := c.lastTx.Open()
	start := timeNow()

	if err := c.d.Send(cmd); err != nil {
		cerr := classifyDriverError(c.d, "send", err)
		if IsDisconnect(cerr) {
			c.state = ConnStateBad
		}
		c.mu.Unlock()
		metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "send_error").Inc()
		c.commandFailed(cmd, onRow, f, cerr, txOpen)
		return
	}

	mode := modeAggregate
	if cmd.SingleRow {
		mode = modeSingleRow
	}
	p := &resultPump{
		c:       c,
		mode:    mode,
		onRow:   onRow,
		timeout: c.cfg.QueryTimeout,
		done: func(res *Result, err error) {
			metrics.CommandDuration.WithLabelValues(cmd.Kind.String()).Observe(timeNow().Sub(start).Seconds())
			if err == nil {
				metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "ok").Inc()
				f.Succeed(res)
				return
			}
			metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "error").Inc()
			c.commandFailed(cmd, onRow, f, err, txOpen)
		},
	}

	// A command may start while only notify waiters held the readiness
	// subscription; the pump takes it over and forwards notifications.
	if c.notifyWatch != nil {
		c.notifyWatch.Cancel()
		c.notifyWatch = nil
	}

	if err := p.start(); err != nil {
		c.state = ConnStateBad
		c.restoreNotifyWatchLocked()
		c.mu.Unlock()
		c.commandFailed(cmd, onRow, f, err, txOpen)
		return
	}
	c.pump = p
	c.mu.Unlock()
}

// commandFailed applies the propagation policy of the error taxonomy:
// query errors and timeouts propagate directly; dead-connection errors
// route through the reconnect policy when autoreconnect is enabled.
func (c *Conn) commandFailed(cmd Command, onRow RowFunc, f *Future, err error, txOpen bool) {
	if errors.Is(err, ErrCommandAborted) || errors.Is(err, ErrConnClosed) {
		f.Fail(err)
		return
	}
	if !IsDisconnect(err) {
		f.Fail(err)
		return
	}

	c.mu.Lock()
	c.state = ConnStateBad
	closed := c.closed
	c.mu.Unlock()

	if closed || !c.cfg.Autoreconnect() {
		f.Fail(err)
		return
	}
	c.autoReconnect(cmd, onRow, f, err, txOpen)
}
