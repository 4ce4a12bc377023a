package evpg

import "context"

// ── Coroutine bridge ────────────────────────────────────────────────────
//
// Await converts a Future's asynchronous completion into an apparently
// synchronous call for a goroutine. The goroutine parks on a channel;
// the reactor keeps running, so other callers and in-flight I/O continue
// to make progress.

// Await blocks the calling goroutine until the Future settles or ctx
// expires. On ctx expiry the wait is abandoned but the underlying
// operation keeps running to completion; there is no partial-command
// cancellation (tear the connection down with Reset to abandon it).
//
// Await must not be called from a reactor callback: parking the loop
// goroutine would deadlock the reactor.
func (f *Future) Await(ctx context.Context) (any, error) {
	done := make(chan struct{})
	f.OnComplete(func(any, error) { close(done) })

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.Outcome()
}

// awaitResult is the typed bridge used by the blocking command flavors.
func awaitResult(ctx context.Context, f *Future) (*Result, error) {
	v, err := f.Await(ctx)
	if err != nil {
		return nil, err
	}
	res, _ := v.(*Result)
	return res, nil
}
