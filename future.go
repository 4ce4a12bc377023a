package evpg

import "sync"

// Future is a one-shot settleable result container. It transitions once
// from pending to succeeded or failed and notifies registered completion
// callbacks. Settlement is always deferred to the next reactor tick, so
// code calling Succeed or Fail can never observe its own callbacks
// running inside the same stack.
type Future struct {
	mu         sync.Mutex
	r          Reactor
	settled    bool
	dispatched bool
	value      any
	err        error
	callbacks  []func(any, error)
}

// NewFuture creates a pending Future bound to the given reactor.
func NewFuture(r Reactor) *Future {
	return &Future{r: r}
}

// Succeed settles the Future with a value. Settling twice is a no-op.
func (f *Future) Succeed(value any) { f.settle(value, nil) }

// Fail settles the Future with an error. Settling twice is a no-op.
func (f *Future) Fail(err error) { f.settle(nil, err) }

func (f *Future) settle(value any, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.value = value
	f.err = err
	f.mu.Unlock()

	f.r.NextTick(f.dispatch)
}

// dispatch runs on the reactor tick following settlement and drains the
// callback list. Callbacks registered after this point run directly.
func (f *Future) dispatch() {
	f.mu.Lock()
	f.dispatched = true
	cbs := f.callbacks
	f.callbacks = nil
	value, err := f.value, f.err
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(value, err)
	}
}

// OnComplete registers a callback fired exactly once with the settlement
// outcome. If the Future has already been settled and dispatched, the
// callback fires before OnComplete returns.
func (f *Future) OnComplete(fn func(value any, err error)) {
	f.mu.Lock()
	if f.dispatched {
		value, err := f.value, f.err
		f.mu.Unlock()
		fn(value, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Settled reports whether the Future has been settled.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Outcome returns the settlement outcome. It is only meaningful after
// the Future settled.
func (f *Future) Outcome() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}
