// Package reactor provides the default event loop for evpg: a single
// goroutine multiplexing descriptor readiness (epoll), one-shot timers
// and next-tick callbacks. All callbacks run serialized on the loop
// goroutine; they must not block.
package reactor
