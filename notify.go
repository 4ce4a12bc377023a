package evpg

import "context"

// ── Notification waits ──────────────────────────────────────────────────
//
// A notification wait may run concurrently with a command on the same
// connection: both are multiplexed over the same readiness
// subscription. While a command is in flight its pump forwards
// notifications; otherwise the connection holds a lightweight watch of
// its own for as long as waiters are outstanding.

// WaitForNotifyAsync settles with the next *Notification received on
// this connection. Waiters are served in registration order.
func (c *Conn) WaitForNotifyAsync() *Future {
	f := NewFuture(c.r)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Fail(ErrConnClosed)
		return f
	}
	if c.state == ConnStateAborted {
		c.mu.Unlock()
		f.Fail(ErrResetRequired)
		return f
	}
	if c.state == ConnStateBad {
		c.mu.Unlock()
		f.Fail(&ConnectionError{Op: "notify", Msg: "connection is not established"})
		return f
	}

	// A notification may already be buffered.
	if n := c.d.NextNotification(); n != nil {
		c.mu.Unlock()
		f.Succeed(n)
		return f
	}

	c.notifyWaiters = append(c.notifyWaiters, f)
	c.restoreNotifyWatchLocked()
	c.mu.Unlock()
	return f
}

// WaitForNotify blocks until a notification arrives or ctx expires.
func (c *Conn) WaitForNotify(ctx context.Context) (*Notification, error) {
	v, err := c.WaitForNotifyAsync().Await(ctx)
	if err != nil {
		return nil, err
	}
	n, _ := v.(*Notification)
	return n, nil
}

// restoreNotifyWatchLocked installs the connection's own readiness
// watch when notify waiters are outstanding and no pump holds the
// subscription. Called with c.mu held.
func (c *Conn) restoreNotifyWatchLocked() {
	if c.notifyWatch != nil || len(c.notifyWaiters) == 0 {
		return
	}
	if c.closed || c.pump != nil || c.handshake != nil || c.state != ConnStateOK {
		return
	}
	fd, err := c.d.Socket()
	if err != nil {
		return
	}
	w, err := c.r.Watch(fd, Readable, c.onNotifyReadable)
	if err != nil {
		return
	}
	c.notifyWatch = w
}

func (c *Conn) onNotifyReadable(Interest) {
	c.mu.Lock()
	if c.notifyWatch == nil {
		c.mu.Unlock()
		return
	}
	if err := c.d.ConsumeInput(); err != nil {
		c.notifyWatch.Cancel()
		c.notifyWatch = nil
		c.state = ConnStateBad
		waiters := c.notifyWaiters
		c.notifyWaiters = nil
		c.mu.Unlock()
		cerr := classifyDriverError(c.d, "notify", err)
		for _, w := range waiters {
			w.Fail(cerr)
		}
		return
	}
	c.drainNotificationsLocked()
	if len(c.notifyWaiters) == 0 && c.notifyWatch != nil {
		c.notifyWatch.Cancel()
		c.notifyWatch = nil
	}
	c.mu.Unlock()
}

// drainNotificationsLocked hands buffered notifications to waiters in
// FIFO order. Called with c.mu held; settlement defers to the next
// reactor tick, so this is safe under the lock.
func (c *Conn) drainNotificationsLocked() {
	for len(c.notifyWaiters) > 0 {
		n := c.d.NextNotification()
		if n == nil {
			return
		}
		f := c.notifyWaiters[0]
		c.notifyWaiters = c.notifyWaiters[1:]
		f.Succeed(n)
	}
}
