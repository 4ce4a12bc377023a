package evpg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForNotifyDeliversBuffered(t *testing.T) {
	c, d, r := newFakeConn(nil)

	d.pushNotification(&Notification{Channel: "jobs", Payload: "42", PID: 99})
	f := c.WaitForNotifyAsync()
	r.runTicks()

	v, err := requireSettled(t, f)
	require.NoError(t, err)
	n := v.(*Notification)
	assert.Equal(t, "jobs", n.Channel)
	assert.Equal(t, "42", n.Payload)
	assert.False(t, r.watching(3), "no watch needed for a buffered notification")
}

func TestNotifyWaitersServedInOrder(t *testing.T) {
	c, d, r := newFakeConn(nil)

	f1 := c.WaitForNotifyAsync()
	f2 := c.WaitForNotifyAsync()
	require.True(t, r.watching(3), "waiters hold a readiness watch")

	d.pushNotification(&Notification{Channel: "jobs", Payload: "first"})
	d.pushNotification(&Notification{Channel: "jobs", Payload: "second"})
	r.fire(t, 3, Readable)

	v1, err := requireSettled(t, f1)
	require.NoError(t, err)
	v2, err := requireSettled(t, f2)
	require.NoError(t, err)
	assert.Equal(t, "first", v1.(*Notification).Payload)
	assert.Equal(t, "second", v2.(*Notification).Payload)
	assert.False(t, r.watching(3), "watch released once no waiters remain")
}

func TestNotifyDeliveredDuringCommand(t *testing.T) {
	c, d, r := newFakeConn(nil)

	nf := c.WaitForNotifyAsync()
	qf := c.QueryAsync("SELECT 1")

	// The pump owns the readiness subscription; it forwards
	// notifications that arrive interleaved with results.
	d.pushNotification(&Notification{Channel: "jobs", Payload: "during"})
	d.script(res(tagResult("SELECT 1")), end(nil))
	r.fire(t, 3, Readable)

	v, err := requireSettled(t, nf)
	require.NoError(t, err)
	assert.Equal(t, "during", v.(*Notification).Payload)

	_, err = requireSettled(t, qf)
	assert.NoError(t, err)
}

func TestNotifyWatchRestoredAfterCommand(t *testing.T) {
	c, d, r := newFakeConn(nil)

	nf := c.WaitForNotifyAsync()
	qf := c.QueryAsync("SELECT 1")
	d.script(res(tagResult("SELECT 1")), end(nil))
	r.fire(t, 3, Readable)
	_, err := requireSettled(t, qf)
	require.NoError(t, err)
	require.False(t, nf.Settled())

	// The waiter's own watch is back in place after the pump is gone.
	require.True(t, r.watching(3))
	d.pushNotification(&Notification{Channel: "jobs", Payload: "later"})
	r.fire(t, 3, Readable)

	v, err := requireSettled(t, nf)
	require.NoError(t, err)
	assert.Equal(t, "later", v.(*Notification).Payload)
}

func TestNotifyConsumeErrorFailsWaiters(t *testing.T) {
	c, d, r := newFakeConn(nil)

	f := c.WaitForNotifyAsync()
	d.consumeErr = errors.New("connection reset by peer")
	r.fire(t, 3, Readable)

	_, err := requireSettled(t, f)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnStateBad, c.State())
}

func TestNotifyOnUnusableConnection(t *testing.T) {
	r := newFakeReactor()
	d := newFakeDriver()
	c := NewConn(r, d, nil)

	f := c.WaitForNotifyAsync()
	r.runTicks()
	_, err := requireSettled(t, f)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)

	c.state = ConnStateAborted
	f2 := c.WaitForNotifyAsync()
	r.runTicks()
	_, err = requireSettled(t, f2)
	assert.ErrorIs(t, err, ErrResetRequired)
}
