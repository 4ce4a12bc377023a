package evpg

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectFollowsPollSequence(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()
	c := NewConn(r, d, nil)

	d.connectSteps = []PollStatus{PollWriting, PollReading, PollOK}
	f := c.ConnectAsync()
	r.runTicks()

	require.True(t, r.watching(3))
	assert.Equal(t, Writable, r.interestOn(3))

	r.fire(t, 3, Writable)
	assert.Equal(t, Readable, r.interestOn(3))

	r.fire(t, 3, Readable)
	v, err := requireSettled(t, f)
	require.NoError(t, err)
	assert.Same(t, c, v)
	assert.Equal(t, ConnStateOK, c.State())
	assert.False(t, r.watching(3), "handshake watch must be released")
}

func TestConnectFailureFinalizesObject(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()
	c := NewConn(r, d, nil)

	d.connectSteps = []PollStatus{PollFailed}
	d.errMsg = "connection refused"
	f := c.ConnectAsync()
	r.runTicks()

	_, err := requireSettled(t, f)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "refused")
	assert.Equal(t, ConnStateBad, c.State())
	assert.True(t, d.finished, "a failed fresh connect must release the descriptor")
}

func TestResetFailureKeepsObject(t *testing.T) {
	c, d, r := newFakeConn(nil)

	d.resetSteps = []PollStatus{PollFailed}
	d.errMsg = "server closed the connection unexpectedly"
	f := c.ResetAsync()
	r.runTicks()

	_, err := requireSettled(t, f)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "reset", ce.Op)
	assert.Equal(t, ConnStateBad, c.State())
	assert.False(t, d.finished, "a failed reset keeps the object for another attempt")
	assert.Equal(t, 1, d.resets)
}

func TestConnectTimeout(t *testing.T) {
	clock := installFakeClock(t)
	r := newFakeReactor()
	d := newFakeDriver()
	c := NewConn(r, d, &Config{ConnectTimeout: 500 * time.Millisecond})

	// The server never answers.
	d.connectSteps = []PollStatus{PollReading, PollReading, PollReading}
	f := c.ConnectAsync()
	r.runTicks()

	clock.Advance(600 * time.Millisecond)
	r.fireTimer(t)

	_, err := requireSettled(t, f)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
	assert.True(t, d.finished)
	assert.False(t, r.watching(3))
}

func TestConnectAppliesClientEncoding(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()
	c := NewConn(r, d, &Config{ClientEncoding: "UTF8"})

	f := c.ConnectAsync()
	r.runTicks()

	_, err := requireSettled(t, f)
	require.NoError(t, err)
	assert.Equal(t, "UTF8", d.encoding)
}

func TestConnectEncodingFailureFailsHandshake(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()
	c := NewConn(r, d, &Config{ClientEncoding: "UTF8"})

	d.encodingErr = errors.New("unrecognized encoding")
	f := c.ConnectAsync()
	r.runTicks()

	_, err := requireSettled(t, f)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnStateBad, c.State())
}

func TestOnConnectHookGatesCompletion(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()

	var hf *Future
	c := NewConn(r, d, &Config{
		OnConnect: func(conn *Conn) *Future {
			hf = NewFuture(r)
			return hf
		},
	})

	f := c.ConnectAsync()
	r.runTicks()
	require.NotNil(t, hf, "hook must run on handshake success")
	assert.False(t, f.Settled(), "handshake must wait for the hook future")

	hf.Succeed(nil)
	r.runTicks()
	v, err := requireSettled(t, f)
	require.NoError(t, err)
	assert.Same(t, c, v)
}

func TestOnConnectHookFailureFailsHandshake(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()

	hookErr := errors.New("session setup failed")
	c := NewConn(r, d, &Config{
		OnConnect: func(conn *Conn) *Future {
			hf := NewFuture(r)
			hf.Fail(hookErr)
			return hf
		},
	})

	f := c.ConnectAsync()
	r.runTicks()
	_, err := requireSettled(t, f)
	assert.ErrorIs(t, err, hookErr)
}

func TestOnConnectHookRunsOnEveryHandshake(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()

	var calls int
	c := NewConn(r, d, &Config{
		OnConnect: func(conn *Conn) *Future {
			calls++
			return nil
		},
	})

	f := c.ConnectAsync()
	r.runTicks()
	_, err := requireSettled(t, f)
	require.NoError(t, err)

	rf := c.ResetAsync()
	r.runTicks()
	_, err = requireSettled(t, rf)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestResetAbandonsInFlightCommand(t *testing.T) {
	c, d, r := newFakeConn(nil)

	qf := c.QueryAsync("SELECT pg_sleep(10)")
	rf := c.ResetAsync()
	r.runTicks()

	_, qerr := requireSettled(t, qf)
	assert.ErrorIs(t, qerr, ErrCommandAborted)

	_, rerr := requireSettled(t, rf)
	require.NoError(t, rerr)
	assert.Equal(t, ConnStateOK, c.State())
	assert.Equal(t, 1, d.resets)
}

func TestConcurrentHandshakeRejected(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()
	c := NewConn(r, d, nil)

	d.connectSteps = []PollStatus{PollReading, PollOK}
	f1 := c.ConnectAsync()
	r.runTicks()

	f2 := c.ConnectAsync()
	r.runTicks()
	_, err := requireSettled(t, f2)
	assert.ErrorIs(t, err, ErrCommandInProgress)

	r.fire(t, 3, Readable)
	_, err = requireSettled(t, f1)
	assert.NoError(t, err)
}
