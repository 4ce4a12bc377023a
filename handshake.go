package evpg

import (
	"log"
	"time"

	"github.com/evpg/evpg/internal/metrics"
)

type handshakeKind int

const (
	hsConnect handshakeKind = iota
	hsReset
)

func (k handshakeKind) String() string {
	if k == hsReset {
		return "reset"
	}
	return "connect"
}

// handshakePump drives a non-blocking connect or reset to completion by
// repeatedly invoking the driver's poll-step primitive, flipping the
// readiness subscription between readability and writability as the
// driver asks. The query timeout does not apply here; the handshake has
// its own connect_timeout bound.
type handshakePump struct {
	c    *Conn
	f    *Future
	kind handshakeKind

	watch    Watch
	watchFd  int
	interest Interest
	timer    Timer
	started  time.Time
	finished bool
}

// start begins the handshake. Called with c.mu held.
func (p *handshakePump) start() error {
	var err error
	if p.kind == hsConnect {
		err = p.c.d.StartConnect()
	} else {
		err = p.c.d.StartReset()
	}
	if err != nil {
		return &ConnectionError{Op: p.kind.String(), Msg: p.c.d.ErrorMessage(), Cause: err}
	}
	p.started = timeNow()
	if p.c.cfg.ConnectTimeout > 0 {
		p.timer = p.c.r.AfterFunc(p.c.cfg.ConnectTimeout, p.onTimer)
	}
	// The first poll step runs on the next tick so the caller observes
	// a consistently asynchronous handshake.
	p.c.r.NextTick(func() {
		p.c.mu.Lock()
		p.stepLocked()
	})
	return nil
}

// stepLocked advances the state machine by one poll step. It is entered
// holding c.mu and releases it on every path.
func (p *handshakePump) stepLocked() {
	c := p.c
	if p.finished {
		c.mu.Unlock()
		return
	}

	var st PollStatus
	if p.kind == hsConnect {
		st = c.d.PollConnect()
	} else {
		st = c.d.PollReset()
	}

	switch st {
	case PollReading:
		p.rewatchLocked(Readable)
		c.mu.Unlock()

	case PollWriting:
		p.rewatchLocked(Writable)
		c.mu.Unlock()

	case PollOK:
		p.succeedLocked()

	default: // PollFailed
		msg := c.d.ErrorMessage()
		fin := p.closeLocked()
		c.state = ConnStateBad
		if p.kind == hsConnect {
			// A fresh connection object is finalized so its
			// descriptor is not leaked; a reset keeps the object.
			c.d.Finish()
		}
		c.mu.Unlock()
		fin()
		metrics.HandshakesTotal.WithLabelValues(p.kind.String(), "failed").Inc()
		p.f.Fail(&ConnectionError{Op: p.kind.String(), Msg: msg})
	}
}

// rewatchLocked points the readiness subscription at the driver's
// current socket with the requested interest. The descriptor may change
// between poll steps, so the fd is re-fetched every time.
func (p *handshakePump) rewatchLocked(interest Interest) {
	fd, err := p.c.d.Socket()
	if err != nil {
		// Leave the existing watch in place; the next readiness or
		// the connect timer resolves the handshake.
		return
	}
	if p.watch != nil && fd == p.watchFd {
		if interest != p.interest {
			p.interest = interest
			p.watch.Modify(interest)
		}
		return
	}
	if p.watch != nil {
		p.watch.Cancel()
		p.watch = nil
	}
	w, werr := p.c.r.Watch(fd, interest, p.onReady)
	if werr != nil {
		return
	}
	p.watch = w
	p.watchFd = fd
	p.interest = interest
}

func (p *handshakePump) onReady(Interest) {
	p.c.mu.Lock()
	p.stepLocked()
}

// succeedLocked verifies the post-handshake status, applies session
// configuration, and defers completion on the on-connect hook if one is
// set and returns a Future.
func (p *handshakePump) succeedLocked() {
	c := p.c
	if c.d.Status() != StatusOK {
		msg := c.d.ErrorMessage()
		fin := p.closeLocked()
		c.state = ConnStateBad
		c.mu.Unlock()
		fin()
		p.f.Fail(&ConnectionError{Op: p.kind.String(), Msg: msg})
		return
	}

	if c.cfg.ClientEncoding != "" {
		if err := c.d.SetClientEncoding(c.cfg.ClientEncoding); err != nil {
			fin := p.closeLocked()
			c.state = ConnStateBad
			c.mu.Unlock()
			fin()
			p.f.Fail(&ConnectionError{Op: p.kind.String(), Msg: "setting client encoding", Cause: err})
			return
		}
	}

	fin := p.closeLocked()
	c.state = ConnStateOK
	c.restoreNotifyWatchLocked()
	hook := c.cfg.OnConnect
	c.mu.Unlock()
	fin()

	metrics.HandshakesTotal.WithLabelValues(p.kind.String(), "ok").Inc()
	log.Printf("[conn] %s complete in %s", p.kind, timeNow().Sub(p.started).Round(time.Millisecond))

	if hook == nil {
		p.f.Succeed(c)
		return
	}
	hf := hook(c)
	if hf == nil {
		p.f.Succeed(c)
		return
	}
	hf.OnComplete(func(_ any, err error) {
		if err != nil {
			p.f.Fail(err)
			return
		}
		p.f.Succeed(c)
	})
}

// onTimer aborts the handshake when connect_timeout elapses.
func (p *handshakePump) onTimer() {
	c := p.c
	c.mu.Lock()
	if p.finished {
		c.mu.Unlock()
		return
	}
	elapsed := timeNow().Sub(p.started)
	fin := p.closeLocked()
	c.state = ConnStateBad
	if p.kind == hsConnect {
		c.d.Finish()
	}
	c.mu.Unlock()
	fin()

	metrics.TimeoutsTotal.WithLabelValues("connect").Inc()
	p.f.Fail(&TimeoutError{Op: p.kind.String(), Elapsed: elapsed.Round(time.Millisecond).String()})
}

// closeLocked tears down the watch and timer and detaches the pump.
// The returned completion must run outside c.mu (it is a no-op hook
// point kept symmetric with resultPump.closeLocked).
func (p *handshakePump) closeLocked() func() {
	p.finished = true
	if p.watch != nil {
		p.watch.Cancel()
		p.watch = nil
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.c.handshake == p {
		p.c.handshake = nil
	}
	return func() {}
}
