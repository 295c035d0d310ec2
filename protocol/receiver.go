package protocol

import "fmt"

// FrameHandler receives the outcome of each frame the Receiver finishes.
type FrameHandler interface {
	// HandleFrame is called with a complete raw frame, STX through CRC8.
	// The checksum has not been verified. The slice aliases the receiver's
	// buffer and is only valid until the next Feed.
	HandleFrame(frame []byte)

	// HandleOversize is called as soon as a declared payload length exceeds
	// the receiver's capacity. The rest of that frame is never buffered.
	HandleOversize(length int)
}

// State is a position in the frame reception state machine.
type State uint8

const (
	WaitStart State = iota
	WaitLenLow
	WaitLenHigh
	WaitCommand
	WaitPayload
	WaitChecksum
)

var stateNames = [...]string{
	WaitStart:    "WaitStart",
	WaitLenLow:   "WaitLenLow",
	WaitLenHigh:  "WaitLenHigh",
	WaitCommand:  "WaitCommand",
	WaitPayload:  "WaitPayload",
	WaitChecksum: "WaitChecksum",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Receiver reassembles frames one byte at a time. It never blocks and never
// allocates after construction: the frame buffer is reserved up front for
// the largest frame the capacity admits.
//
// The machine is self-synchronizing. Bytes outside a frame are discarded
// until the next STX, so noise or a truncated frame only costs the frame it
// corrupted.
type Receiver struct {
	handler  FrameHandler
	buf      []byte
	capacity int
	bias     int // bytes LEN counts beyond the payload: 0 requests, 1 responses

	state   State
	length  int // declared payload length of the current frame
	pos     int // payload bytes received so far
	command byte
}

// NewReceiver returns a receiver for request frames whose payload may be at
// most capacity bytes.
func NewReceiver(capacity int, h FrameHandler) *Receiver {
	return newReceiver(capacity, 0, h)
}

// NewAckReceiver returns a receiver for response frames, whose LEN field
// also counts the status byte in the command slot.
func NewAckReceiver(capacity int, h FrameHandler) *Receiver {
	return newReceiver(capacity, 1, h)
}

func newReceiver(capacity, bias int, h FrameHandler) *Receiver {
	if capacity < 0 {
		capacity = 0
	}
	return &Receiver{
		handler:  h,
		buf:      make([]byte, 0, MinFrameSize+capacity),
		capacity: capacity,
		bias:     bias,
	}
}

// Capacity returns the largest payload the receiver will buffer.
func (r *Receiver) Capacity() int {
	return r.capacity
}

// State returns the current machine state.
func (r *Receiver) State() State {
	return r.state
}

// Reset discards any partially received frame.
func (r *Receiver) Reset() {
	r.buf = r.buf[:0]
	r.state = WaitStart
	r.length = 0
	r.pos = 0
	r.command = 0
}

// Feed advances the state machine by one byte. A completed or rejected frame
// is reported to the handler before Feed returns.
func (r *Receiver) Feed(b byte) {
	switch r.state {
	case WaitStart:
		if b != STX {
			return
		}
		r.buf = append(r.buf[:0], b)
		r.state = WaitLenLow

	case WaitLenLow:
		r.buf = append(r.buf, b)
		r.length = int(b)
		r.state = WaitLenHigh

	case WaitLenHigh:
		r.buf = append(r.buf, b)
		r.length |= int(b) << 8
		r.length -= r.bias
		if r.length < 0 {
			r.length = 0
		}
		if r.length > r.capacity {
			// Fail fast: do not wait for a payload that cannot fit.
			r.state = WaitStart
			r.handler.HandleOversize(r.length)
			return
		}
		r.state = WaitCommand

	case WaitCommand:
		r.buf = append(r.buf, b)
		r.command = b
		r.pos = 0
		if r.length == 0 {
			r.state = WaitChecksum
		} else {
			r.state = WaitPayload
		}

	case WaitPayload:
		r.buf = append(r.buf, b)
		r.pos++
		if r.pos >= r.length {
			r.state = WaitChecksum
		}

	case WaitChecksum:
		r.buf = append(r.buf, b)
		r.state = WaitStart
		r.handler.HandleFrame(r.buf)
	}
}

// Write feeds every byte of p, so a Receiver can sit behind an io.Copy.
// It never fails.
func (r *Receiver) Write(p []byte) (int, error) {
	for _, b := range p {
		r.Feed(b)
	}
	return len(p), nil
}
