// Package signalthread runs a single OS-signal dispatcher goroutine:
// callers register a handler per signal, and the dispatcher invokes it
// whenever that signal arrives. One goroutine serves every registered
// signal, mirroring a single signal-handling thread reading a shared
// signal set rather than one goroutine per signal.
package signalthread

import (
	"os"
	"os/signal"
	"sync"
)

// Handler is invoked on the dispatcher goroutine when its signal
// arrives. Handlers run serially; a slow handler delays delivery of the
// next signal.
type Handler func(sig os.Signal)

// Dispatcher is one signal-thread instance. The zero value is not
// usable; construct with New.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[os.Signal]Handler
	sigCh    chan os.Signal
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopped  bool
}

// New creates an unstarted Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[os.Signal]Handler),
		sigCh:    make(chan os.Signal, 8),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register installs handler for sig, replacing any previous one, and
// returns the handler it replaced (nil if none). Safe to call before or
// after Start; the dispatcher re-subscribes to the OS immediately.
func (d *Dispatcher) Register(sig os.Signal, handler Handler) Handler {
	d.mu.Lock()
	old := d.handlers[sig]
	if handler == nil {
		delete(d.handlers, sig)
	} else {
		d.handlers[sig] = handler
	}
	sigs := d.signalList()
	d.mu.Unlock()

	signal.Stop(d.sigCh)
	if len(sigs) > 0 {
		signal.Notify(d.sigCh, sigs...)
	}
	return old
}

func (d *Dispatcher) signalList() []os.Signal {
	sigs := make([]os.Signal, 0, len(d.handlers))
	for s := range d.handlers {
		sigs = append(sigs, s)
	}
	return sigs
}

// Start spawns the dispatcher goroutine. Idempotent; a second call is a
// no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case sig := <-d.sigCh:
			d.mu.Lock()
			h := d.handlers[sig]
			d.mu.Unlock()
			if h != nil {
				h(sig)
			}
		case <-d.stopCh:
			return
		}
	}
}

// Stop halts the dispatcher goroutine and unsubscribes from every
// signal. Blocks until the goroutine has exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	signal.Stop(d.sigCh)
	close(d.stopCh)
	<-d.doneCh
}
