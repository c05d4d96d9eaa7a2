package cdp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// frameReader reads whole frames off a websocket.
type frameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// frameHandler processes one frame. A non-nil error stops the listener.
type frameHandler func(data []byte) error

type frame struct {
	data []byte
	err  error
}

// Listener is the background reader of a Connection. It routes frames one
// at a time, in arrival order, and reports the connection idle when no frame
// arrived for the idle timeout.
type Listener struct {
	r           frameReader
	handle      frameHandler
	onExit      func(error)
	idleTimeout time.Duration

	running atomic.Bool

	idleMu sync.Mutex
	idle   bool
	idleCh chan struct{}

	frames  chan frame
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newListener(r frameReader, idleTimeout time.Duration, handle frameHandler, onExit func(error)) *Listener {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Listener{
		r:           r,
		handle:      handle,
		onExit:      onExit,
		idleTimeout: idleTimeout,
		idleCh:      make(chan struct{}),
		frames:      make(chan frame),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (l *Listener) start() {
	l.running.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.read()
	}()
	go func() {
		defer wg.Done()
		err := l.loop()
		l.running.Store(false)
		// wake up idle waiters, nothing will arrive anymore.
		l.setIdle(true)
		if l.onExit != nil {
			l.onExit(err)
		}
	}()
	go func() {
		wg.Wait()
		close(l.stopped)
	}()
}

func (l *Listener) read() {
	for {
		_, data, err := l.r.ReadMessage()
		select {
		case l.frames <- frame{data: data, err: err}:
		case <-l.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *Listener) loop() error {
	timer := time.NewTimer(l.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			return nil
		case <-timer.C:
			l.setIdle(true)
			timer.Reset(l.idleTimeout)
		case f := <-l.frames:
			if f.err != nil {
				return f.err
			}
			l.setIdle(false)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.idleTimeout)
			if err := l.handle(f.data); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) setIdle(idle bool) {
	l.idleMu.Lock()
	defer l.idleMu.Unlock()

	if l.idle == idle {
		return
	}
	l.idle = idle
	if idle {
		close(l.idleCh)
	} else {
		l.idleCh = make(chan struct{})
	}
}

// Running reports whether the listener is reading frames.
func (l *Listener) Running() bool { return l.running.Load() }

// Idle reports whether no frame arrived within the idle timeout.
func (l *Listener) Idle() bool {
	l.idleMu.Lock()
	defer l.idleMu.Unlock()
	return l.idle
}

// IdleTimeout returns the idle window.
func (l *Listener) IdleTimeout() time.Duration { return l.idleTimeout }

// WaitIdle blocks until the listener reports idle or stops.
func (l *Listener) WaitIdle(ctx context.Context) error {
	l.idleMu.Lock()
	ch := l.idleCh
	l.idleMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the listener. The reader goroutine returns once the underlying
// socket is closed.
func (l *Listener) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Stopped is closed after both listener goroutines returned.
func (l *Listener) Stopped() <-chan struct{} { return l.stopped }
