package reactor

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evpg/evpg"
)

// ErrLoopClosed is returned when subscribing on a closed loop.
var ErrLoopClosed = errors.New("reactor: loop is closed")

// Loop is an epoll-backed evpg.Reactor. One goroutine waits for
// readiness and drains the next-tick queue; an eventfd wakes it when
// callbacks are posted from other goroutines.
type Loop struct {
	epfd   int
	wakeFd int

	mu      sync.Mutex
	watches map[int]*watch
	ticks   []func()
	closed  bool

	done chan struct{}
}

var _ evpg.Reactor = (*Loop)(nil)

// NewLoop creates and starts a reactor loop.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		epfd:    epfd,
		wakeFd:  wakeFd,
		watches: make(map[int]*watch),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

type watch struct {
	l         *Loop
	fd        int
	fn        func(evpg.Interest)
	cancelled bool
}

func epollEvents(interest evpg.Interest) uint32 {
	var ev uint32
	if interest&evpg.Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&evpg.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Watch subscribes fn to readiness of fd. One subscription per
// descriptor; use Modify to change the interest set.
func (l *Loop) Watch(fd int, interest evpg.Interest, fn func(evpg.Interest)) (evpg.Watch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLoopClosed
	}
	if _, ok := l.watches[fd]; ok {
		return nil, errors.New("reactor: descriptor already watched")
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, err
	}
	w := &watch{l: l, fd: fd, fn: fn}
	l.watches[fd] = w
	return w, nil
}

func (w *watch) Modify(interest evpg.Interest) error {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if w.cancelled || w.l.closed {
		return ErrLoopClosed
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(w.fd)}
	return unix.EpollCtl(w.l.epfd, unix.EPOLL_CTL_MOD, w.fd, &ev)
}

func (w *watch) Cancel() {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if w.cancelled {
		return
	}
	w.cancelled = true
	if !w.l.closed {
		unix.EpollCtl(w.l.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
	}
	delete(w.l.watches, w.fd)
}

type timer struct{ t *time.Timer }

func (t timer) Stop() bool { return t.t.Stop() }

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) evpg.Timer {
	return timer{t: time.AfterFunc(d, func() { l.NextTick(fn) })}
}

// NextTick schedules fn to run on the loop's next iteration.
func (l *Loop) NextTick(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.ticks = append(l.ticks, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	var one = [8]byte{7: 1}
	unix.Write(l.wakeFd, one[:])
}

// Close stops the loop and releases its descriptors. Pending ticks are
// discarded.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.wake()
	<-l.done

	unix.Close(l.wakeFd)
	unix.Close(l.epfd)
	return nil
}

type firing struct {
	w     *watch
	ready evpg.Interest
}

func (l *Loop) run() {
	defer close(l.done)
	events := make([]unix.EpollEvent, 64)
	var ready []firing

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		ready = ready[:0]
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFd {
				var buf [8]byte
				unix.Read(l.wakeFd, buf[:])
				continue
			}
			w, ok := l.watches[fd]
			if !ok || w.cancelled {
				continue
			}
			var interest evpg.Interest
			if events[i].Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				interest |= evpg.Readable
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				interest |= evpg.Writable
			}
			if interest != 0 {
				ready = append(ready, firing{w: w, ready: interest})
			}
		}
		ticks := l.ticks
		l.ticks = nil
		l.mu.Unlock()

		for _, fn := range ticks {
			fn()
		}
		for _, f := range ready {
			l.mu.Lock()
			cancelled := f.w.cancelled
			l.mu.Unlock()
			if !cancelled {
				f.w.fn(f.ready)
			}
		}
	}
}
