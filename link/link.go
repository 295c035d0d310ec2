// Package link is the device side of the v4link protocol. A Link consumes
// transport bytes one at a time, reassembles frames, dispatches commands to
// a VM and writes one response frame per completed request to a Sink.
//
// A Link is synchronous and single-threaded: Feed runs to completion,
// including any VM execution and the sink write, before it returns.
package link

import (
	"fmt"

	"github.com/chazu/v4link/protocol"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("v4link.link")

// Config holds the bounds a Link enforces. They are explicit so a port to
// a smaller device can shrink them without touching the dispatcher.
type Config struct {
	// BufferSize is the largest request payload accepted. Longer frames
	// are answered with BUFFER_FULL as soon as their length is known.
	BufferSize int

	// StackWindow caps how many values of each stack QUERY_STACK returns.
	// A deeper stack is reported by its topmost StackWindow values.
	StackWindow int

	// MemoryWindow caps the length of a QUERY_MEMORY read.
	MemoryWindow int

	// Relocate shifts CALL indices in uploaded containers by the VM's word
	// count. It has no effect unless the VM implements WordCounter.
	Relocate bool
}

// DefaultConfig returns the protocol maxima.
func DefaultConfig() Config {
	return Config{
		BufferSize:   protocol.MaxPayloadSize,
		StackWindow:  MaxStackWindow,
		MemoryWindow: 256,
		Relocate:     true,
	}
}

// MaxStackWindow is the largest window whose QUERY_STACK response always
// fits one frame: two depth bytes and two windows of 4-byte values.
const MaxStackWindow = (protocol.MaxPayloadSize - 2) / 8

// MaxMemoryWindow is the largest QUERY_MEMORY read that fits one frame.
const MaxMemoryWindow = protocol.MaxPayloadSize - 1

// Validate reports bounds that cannot be honored.
func (c Config) Validate() error {
	if c.BufferSize < 0 || c.BufferSize > protocol.MaxPayloadSize {
		return fmt.Errorf("link: buffer size %d outside 0..%d", c.BufferSize, protocol.MaxPayloadSize)
	}
	if c.StackWindow < 0 || c.StackWindow > MaxStackWindow {
		return fmt.Errorf("link: stack window %d outside 0..%d", c.StackWindow, MaxStackWindow)
	}
	if c.MemoryWindow < 0 || c.MemoryWindow > MaxMemoryWindow {
		return fmt.Errorf("link: memory window %d outside 0..%d", c.MemoryWindow, MaxMemoryWindow)
	}
	return nil
}

// Option configures a Link.
type Option func(*Link)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(l *Link) {
		l.cfg = cfg
	}
}

// WithBufferSize sets the largest accepted request payload.
func WithBufferSize(n int) Option {
	return func(l *Link) {
		l.cfg.BufferSize = n
	}
}

// WithStackWindow sets the QUERY_STACK window.
func WithStackWindow(n int) Option {
	return func(l *Link) {
		l.cfg.StackWindow = n
	}
}

// WithMemoryWindow sets the QUERY_MEMORY window.
func WithMemoryWindow(n int) Option {
	return func(l *Link) {
		l.cfg.MemoryWindow = n
	}
}

// WithRelocation enables or disables container CALL relocation.
func WithRelocation(on bool) Option {
	return func(l *Link) {
		l.cfg.Relocate = on
	}
}

// Link binds a frame receiver, a VM and a response sink.
type Link struct {
	cfg  Config
	vm   VM
	sink Sink
	rx   *protocol.Receiver

	arena arena

	// Scratch space reserved at construction.
	resp    []byte
	payload []byte
	stack   []int32
	indices []int
}

// New creates a Link. Out-of-range option values are clamped to the
// protocol maxima.
func New(vm VM, sink Sink, opts ...Option) *Link {
	l := &Link{
		cfg:  DefaultConfig(),
		vm:   vm,
		sink: sink,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.cfg.BufferSize = clamp(l.cfg.BufferSize, 0, protocol.MaxPayloadSize)
	l.cfg.StackWindow = clamp(l.cfg.StackWindow, 0, MaxStackWindow)
	l.cfg.MemoryWindow = clamp(l.cfg.MemoryWindow, 0, MaxMemoryWindow)

	l.rx = protocol.NewReceiver(l.cfg.BufferSize, (*frameHandler)(l))
	l.resp = make([]byte, 0, protocol.MaxFrameSize)
	l.payload = make([]byte, 0, protocol.MaxPayloadSize)
	scratch := l.cfg.StackWindow
	if s, ok := vm.(StackSizer); ok {
		scratch = max(scratch, s.StackCapacity())
	}
	l.stack = make([]int32, scratch)
	l.indices = make([]int, 0, 16)
	return l
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Config returns the effective configuration.
func (l *Link) Config() Config {
	return l.cfg
}

// BufferCapacity returns the largest request payload the Link accepts.
func (l *Link) BufferCapacity() int {
	return l.rx.Capacity()
}

// Feed consumes one transport byte. When it completes a frame, the command
// runs and its response is written to the sink before Feed returns.
func (l *Link) Feed(b byte) {
	l.rx.Feed(b)
}

// Write feeds every byte of p. It never fails, so a Link can be the
// destination of an io.Copy from the transport.
func (l *Link) Write(p []byte) (int, error) {
	for _, b := range p {
		l.rx.Feed(b)
	}
	return len(p), nil
}

// Reset resets the VM, releases every bytecode buffer and abandons any
// partially received frame.
func (l *Link) Reset() {
	l.vm.Reset()
	l.arena.reset()
	l.rx.Reset()
}

// WordBuffers returns how many bytecode buffers the Link currently owns.
func (l *Link) WordBuffers() int {
	return l.arena.len()
}

// frameHandler receives the Receiver's callbacks without exposing them on
// Link's method set.
type frameHandler Link

func (h *frameHandler) HandleFrame(frame []byte) {
	(*Link)(h).handleFrame(frame)
}

func (h *frameHandler) HandleOversize(length int) {
	l := (*Link)(h)
	log.Debugf("frame length %d exceeds capacity %d", length, l.rx.Capacity())
	l.reply(protocol.ErrBufferFull, nil)
}

// reply encodes and sends one response. A response too large for a frame
// is replaced by a bare BUFFER_FULL.
func (l *Link) reply(code protocol.ErrorCode, extra []byte) {
	resp, err := protocol.AppendAck(l.resp, code, extra)
	if err != nil {
		log.Debugf("%s response of %d bytes does not fit a frame", code, len(extra))
		resp, _ = protocol.AppendAck(l.resp, protocol.ErrBufferFull, nil)
	}
	l.resp = resp
	l.sink.Write(resp)
}
