package evpg

import (
	"errors"
	"time"

	"github.com/evpg/evpg/internal/metrics"
)

// timeNow is a seam for deterministic timeout tests.
var timeNow = time.Now

// RowFunc consumes one row in single-row streaming mode. Returning nil
// requests the next row; returning an error abandons the command (the
// connection then requires a reset, since the remaining stream is
// discarded unread).
type RowFunc func(*Result) error

type pumpMode int

const (
	modeAggregate pumpMode = iota // last statement result wins
	modeSingleRow                 // one row at a time
)

// resultPump drains the socket on each readiness notification until a
// final result or error is available. It exists only while a command is
// outstanding; at most one is active per connection. The back-reference
// to the owning Conn is non-owning.
type resultPump struct {
	c     *Conn
	mode  pumpMode
	onRow RowFunc

	// done receives the final outcome exactly once, outside c.mu.
	done func(*Result, error)

	// last is the retained result (aggregate mode) or the trailing
	// status (single-row mode). Cleared before each new result arrives.
	last *Result

	timeout    time.Duration
	timer      Timer
	watch      Watch
	lastReadAt time.Time
	finished   bool
}

// start installs the readiness subscription and arms the query timer.
// Called with c.mu held, after the command bytes have been flushed.
func (p *resultPump) start() error {
	fd, err := p.c.d.Socket()
	if err != nil {
		return &ConnectionError{Op: "send", Cause: err}
	}
	w, err := p.c.r.Watch(fd, Readable, p.onReadable)
	if err != nil {
		return &ConnectionError{Op: "send", Cause: err}
	}
	p.watch = w
	p.lastReadAt = timeNow()
	if p.timeout > 0 {
		p.timer = p.c.r.AfterFunc(p.timeout, p.onTimer)
	}
	return nil
}

// closeLocked tears down the watch and timer (each exactly once),
// detaches the pump from its Conn, and returns the completion to invoke
// after c.mu is released.
func (p *resultPump) closeLocked(res *Result, err error) func() {
	p.finished = true
	if p.watch != nil {
		p.watch.Cancel()
		p.watch = nil
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.c.pump == p {
		p.c.pump = nil
		p.c.restoreNotifyWatchLocked()
	}
	return func() { p.done(res, err) }
}

// onReadable consumes newly arrived bytes and pulls buffered results
// until the driver would need to block again. An explicit loop (not
// recursion) keeps the stack flat under rapid-fire readiness events.
func (p *resultPump) onReadable(Interest) {
	c := p.c
	c.mu.Lock()
	if p.finished {
		c.mu.Unlock()
		return
	}
	p.lastReadAt = timeNow()

	if err := c.d.ConsumeInput(); err != nil {
		fin := p.closeLocked(nil, classifyDriverError(c.d, "consume", err))
		c.mu.Unlock()
		fin()
		return
	}
	c.drainNotificationsLocked()

	for !c.d.IsBusy() {
		res, err := c.d.NextResult()
		if err != nil {
			fin := p.closeLocked(nil, classifyDriverError(c.d, "result", err))
			c.mu.Unlock()
			fin()
			return
		}
		if res == nil {
			// Null sentinel: the command's results are exhausted.
			fin := p.closeLocked(p.finalOutcome())
			c.mu.Unlock()
			fin()
			return
		}

		switch p.mode {
		case modeAggregate:
			p.last = res

		case modeSingleRow:
			if res.Kind != ResultRow {
				if res.Err != nil {
					fin := p.closeLocked(nil, res.Err)
					c.mu.Unlock()
					fin()
					return
				}
				// Trailing aggregate status; swallowed, retained
				// only for the success settlement.
				p.last = res
				continue
			}
			// Hand the row to the consumer without buffering.
			// The consumer runs outside c.mu; returning requests
			// the next row.
			c.mu.Unlock()
			rowErr := p.onRow(res)
			c.mu.Lock()
			if p.finished {
				c.mu.Unlock()
				return
			}
			if rowErr != nil {
				// The rest of the stream is abandoned unread.
				c.state = ConnStateAborted
				fin := p.closeLocked(nil, rowErr)
				c.mu.Unlock()
				fin()
				return
			}
		}
	}

	// The driver would need to block; wait for the next readiness
	// notification.
	c.mu.Unlock()
}

// finalOutcome resolves the retained result once the sentinel is seen.
func (p *resultPump) finalOutcome() (*Result, error) {
	if p.last == nil {
		return nil, &ProtocolError{Msg: "command finished without producing a result"}
	}
	if p.last.Err != nil {
		return nil, p.last.Err
	}
	return p.last, nil
}

// onTimer fires when the query timer elapses. The true quiet interval is
// re-checked against the last readiness notification; a race between the
// timer and a late readiness event re-arms for the remainder instead of
// expiring the command.
func (p *resultPump) onTimer() {
	c := p.c
	c.mu.Lock()
	if p.finished {
		c.mu.Unlock()
		return
	}
	quiet := timeNow().Sub(p.lastReadAt)
	if quiet < p.timeout {
		p.timer = c.r.AfterFunc(p.timeout-quiet, p.onTimer)
		c.mu.Unlock()
		return
	}

	c.state = ConnStateAborted
	metrics.TimeoutsTotal.WithLabelValues("query").Inc()
	fin := p.closeLocked(nil, &TimeoutError{Op: "query", Elapsed: quiet.Round(time.Millisecond).String()})
	c.mu.Unlock()
	fin()
}

// classifyDriverError keeps the driver's own taxonomy when it already
// speaks ours and wraps everything else as a dead connection.
func classifyDriverError(d Driver, op string, err error) error {
	var qe *QueryError
	var pe *ProtocolError
	var te *TimeoutError
	if errors.As(err, &qe) || errors.As(err, &pe) || errors.As(err, &te) {
		return err
	}
	return &ConnectionError{Op: op, Msg: d.ErrorMessage(), Cause: err}
}
