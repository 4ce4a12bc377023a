package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/evpg/evpg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestNextTickRunsOnLoop(t *testing.T) {
	l := newTestLoop(t)

	done := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		l.NextTick(func() { done <- i })
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-done:
			assert.Equal(t, want, got, "ticks must run in posting order")
		case <-time.After(time.Second):
			t.Fatal("tick did not run")
		}
	}
}

func TestAfterFunc(t *testing.T) {
	l := newTestLoop(t)

	done := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestAfterFuncStop(t *testing.T) {
	l := newTestLoop(t)

	fired := make(chan struct{}, 1)
	tm := l.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })
	assert.True(t, tm.Stop())

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchFiresOnReadable(t *testing.T) {
	l := newTestLoop(t)
	r, w := testPipe(t)

	ready := make(chan evpg.Interest, 1)
	watch, err := l.Watch(r, evpg.Readable, func(i evpg.Interest) {
		var buf [8]byte
		unix.Read(r, buf[:])
		select {
		case ready <- i:
		default:
		}
	})
	require.NoError(t, err)
	defer watch.Cancel()

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	select {
	case i := <-ready:
		assert.NotZero(t, i&evpg.Readable)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestWatchRejectsDuplicateDescriptor(t *testing.T) {
	l := newTestLoop(t)
	r, _ := testPipe(t)

	w1, err := l.Watch(r, evpg.Readable, func(evpg.Interest) {})
	require.NoError(t, err)
	defer w1.Cancel()

	_, err = l.Watch(r, evpg.Readable, func(evpg.Interest) {})
	assert.Error(t, err)
}

func TestWatchCancelStopsDelivery(t *testing.T) {
	l := newTestLoop(t)
	r, w := testPipe(t)

	fired := make(chan struct{}, 16)
	watch, err := l.Watch(r, evpg.Readable, func(evpg.Interest) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	watch.Cancel()
	watch.Cancel() // idempotent

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("cancelled watch fired")
	case <-time.After(50 * time.Millisecond):
	}

	// The descriptor can be watched again after cancellation.
	w2, err := l.Watch(r, evpg.Readable, func(evpg.Interest) {})
	require.NoError(t, err)
	w2.Cancel()
}

func TestWatchModifyInterest(t *testing.T) {
	l := newTestLoop(t)
	r, w := testPipe(t)

	fired := make(chan evpg.Interest, 16)
	watch, err := l.Watch(w, evpg.Writable, func(i evpg.Interest) {
		select {
		case fired <- i:
		default:
		}
	})
	require.NoError(t, err)
	defer watch.Cancel()

	// An empty pipe's write end is immediately writable.
	select {
	case i := <-fired:
		assert.NotZero(t, i&evpg.Writable)
	case <-time.After(time.Second):
		t.Fatal("writable watch did not fire")
	}

	// After flipping to readability the write end stays quiet.
	require.NoError(t, watch.Modify(evpg.Readable))
	drainInterests(fired)
	select {
	case <-fired:
		t.Fatal("watch fired after interest was removed")
	case <-time.After(50 * time.Millisecond):
	}
	_ = r
}

func drainInterests(ch chan evpg.Interest) {
	for {
		select {
		case <-ch:
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Watch(0, evpg.Readable, func(evpg.Interest) {})
	assert.ErrorIs(t, err, ErrLoopClosed)
}
