package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/v4link/link"
)

// ErrWorkerStopped is returned for work submitted after Stop.
var ErrWorkerStopped = errors.New("server: worker stopped")

// workRequest is a unit of work to be executed on the link goroutine.
type workRequest struct {
	fn   func(*link.Link)
	done chan error
}

// routeSink forwards responses to whichever sink the current request
// supplied. It is only touched from the worker goroutine.
type routeSink struct {
	out link.Sink
}

func (r *routeSink) Write(frame []byte) {
	if r.out == nil {
		log.Warningf("dropping %d-byte response with no destination", len(frame))
		return
	}
	r.out.Write(frame)
}

// Worker serializes all Link access through a single goroutine. A Link is
// single-threaded, so every connection feeds bytes through the worker.
type Worker struct {
	link     *link.Link
	route    *routeSink
	requests chan workRequest
	quit     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Link around vm and starts the processing goroutine.
func NewWorker(vm link.VM, opts ...link.Option) *Worker {
	route := &routeSink{}
	w := &Worker{
		link:     link.New(vm, route, opts...),
		route:    route,
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn against the link, recovering from panics in the VM.
func (w *Worker) execute(fn func(*link.Link)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server: link panic: %v", r)
			log.Errorf("%v", err)
		}
	}()
	fn(w.link)
	return nil
}

// Do submits fn for execution on the link goroutine and blocks until it
// completes. A panic inside fn is returned as an error.
func (w *Worker) Do(fn func(*link.Link)) error {
	req := workRequest{
		fn:   fn,
		done: make(chan error, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return ErrWorkerStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-w.quit:
		return ErrWorkerStopped
	}
}

// Feed passes data to the link byte by byte. Responses completed by these
// bytes are written to out.
func (w *Worker) Feed(data []byte, out link.Sink) error {
	return w.Do(func(l *link.Link) {
		w.route.out = out
		defer func() { w.route.out = nil }()
		l.Write(data)
	})
}

// Reset resets the link and its VM.
func (w *Worker) Reset() error {
	return w.Do(func(l *link.Link) { l.Reset() })
}

// Config returns the link's effective configuration.
func (w *Worker) Config() link.Config {
	return w.link.Config()
}

// Stop shuts down the worker goroutine. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}
