// Package evpg is a non-blocking client layer for PostgreSQL-style
// request/response protocols. Commands run over a single persistent
// connection without ever blocking the reactor, connection loss is
// recovered transparently, and many logical callers are multiplexed
// over a small, dynamically sized set of physical connections.
//
// The package sequences calls against two collaborators it does not
// implement: a Driver exposing libpq-style non-blocking primitives
// (poll-step handshake, send, consume-input, is-busy, next-result) and
// a Reactor exposing descriptor readiness watches, one-shot timers and
// next-tick scheduling. A default reactor lives in evpg/reactor and a
// pgx-backed driver in evpg/pgxdriver.
//
// Invariants:
//
//   - at most one ResultPump is active per Conn at any instant
//   - one outstanding command per connection; no pipelining
//   - a Future settles exactly once, always on a reactor tick
//   - a broken connection is never handed back to the pool
//
// Callers may use the Future-based API from reactor callbacks, or call
// the blocking flavors from their own goroutines; the blocking flavors
// park the calling goroutine on the Future without blocking the reactor.
package evpg
