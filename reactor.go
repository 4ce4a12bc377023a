package evpg

import "time"

// ── Reactor collaborator ────────────────────────────────────────────────
//
// The client layer is driven by readiness events, one-shot timers and
// next-tick scheduling. It does not implement the event loop itself;
// evpg/reactor provides an epoll-based one, and tests substitute a
// deterministic fake.

// Interest is the readiness condition a watch subscribes to.
type Interest int

const (
	Readable Interest = 1 << iota
	Writable
)

// Watch is an active readiness subscription on one descriptor.
type Watch interface {
	// Modify changes the interest set of the subscription.
	Modify(interest Interest) error
	// Cancel removes the subscription. Cancel is idempotent; the
	// callback never fires after Cancel returns on the loop goroutine.
	Cancel()
}

// Timer is a one-shot timer handle.
type Timer interface {
	// Stop cancels the timer; it reports whether the timer had not
	// fired yet.
	Stop() bool
}

// Reactor is the event loop contract the client layer runs against.
// Callbacks run serialized on the reactor's loop goroutine.
type Reactor interface {
	// Watch subscribes fn to readiness of fd. fn receives the
	// conditions that became ready.
	Watch(fd int, interest Interest, fn func(Interest)) (Watch, error)

	// AfterFunc schedules fn to run on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer

	// NextTick schedules fn to run on the loop's next iteration.
	NextTick(fn func())
}
