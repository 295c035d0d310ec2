// Package server is the device simulator: it exposes a reference VM behind
// a Link to host tools over TCP, or over any byte stream such as a pseudo
// terminal.
package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/chazu/v4link/link"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("v4link.server")

// ErrServerClosed is returned by Serve and ListenAndServe after Close.
var ErrServerClosed = errors.New("server: closed")

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	readBufferSize int
	idleTimeout    time.Duration
	resetOnConnect bool
}

// WithReadBufferSize sets how many bytes are read from a connection before
// they are handed to the worker.
func WithReadBufferSize(n int) Option {
	return func(c *serverConfig) { c.readBufferSize = n }
}

// WithIdleTimeout closes connections that send nothing for d. Zero disables
// the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *serverConfig) { c.idleTimeout = d }
}

// WithResetOnConnect resets the link whenever a connection is accepted, as
// a device does when its port is opened.
func WithResetOnConnect(on bool) Option {
	return func(c *serverConfig) { c.resetOnConnect = on }
}

// Server accepts host connections and feeds their bytes to one Worker.
// Every response goes back on the connection whose byte completed the
// request.
type Server struct {
	worker *Worker
	cfg    serverConfig

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*tracked]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Server around w. The server does not own w; stop it after
// Close.
func New(w *Worker, opts ...Option) *Server {
	cfg := serverConfig{readBufferSize: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.readBufferSize <= 0 {
		cfg.readBufferSize = 1024
	}
	return &Server{
		worker:    w,
		cfg:       cfg,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*tracked]struct{}),
	}
}

// ListenAndServe listens on the TCP address addr and serves it.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Noticef("v4 simulator listening on %s", l.Addr())
	return s.Serve(l)
}

// Serve accepts connections on l until Close. Each connection is served
// on its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		log.Infof("connection from %s", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn feeds rw to the worker until it returns an error or the server
// closes. If rw is an io.Closer it is closed on return.
func (s *Server) ServeConn(rw io.ReadWriter) {
	closer, _ := rw.(io.Closer)
	t, ok := s.track(closer)
	if !ok {
		if closer != nil {
			closer.Close()
		}
		return
	}
	defer func() {
		s.untrack(t)
		if closer != nil {
			closer.Close()
		}
	}()

	if s.cfg.resetOnConnect {
		if err := s.worker.Reset(); err != nil {
			log.Warningf("reset on connect: %v", err)
			return
		}
	}

	deadline, _ := rw.(interface{ SetReadDeadline(time.Time) error })
	sink := link.WriterSink{W: rw}
	buf := make([]byte, s.cfg.readBufferSize)
	for {
		if deadline != nil && s.cfg.idleTimeout > 0 {
			deadline.SetReadDeadline(time.Now().Add(s.cfg.idleTimeout))
		}
		n, err := rw.Read(buf)
		if n > 0 {
			if ferr := s.worker.Feed(buf[:n], sink); ferr != nil {
				log.Warningf("feed: %v", ferr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				log.Infof("connection closed: %v", err)
			}
			return
		}
	}
}

// Close stops accepting, closes every connection and waits for their
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	for l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for t := range s.conns {
		if t.c != nil {
			t.c.Close()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}

// tracked is a live connection; c is nil for streams that cannot be closed.
type tracked struct {
	c io.Closer
}

func (s *Server) track(c io.Closer) (*tracked, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	t := &tracked{c: c}
	s.conns[t] = struct{}{}
	return t, true
}

func (s *Server) untrack(t *tracked) {
	s.mu.Lock()
	delete(s.conns, t)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
