// Package client is the host side of the v4link protocol. A Client sends
// one request frame at a time and waits for the matching response.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/chazu/v4link/protocol"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("v4link.client")

var (
	// ErrMalformedResponse reports an OK response whose payload does not
	// match the command's layout.
	ErrMalformedResponse = errors.New("client: malformed response")

	// ErrOversizeResponse reports a response longer than any valid frame.
	ErrOversizeResponse = errors.New("client: response exceeds frame size")
)

// StackDump is the result of QUERY_STACK. Values are bottom first.
type StackDump struct {
	Data   []int32 `json:"data" yaml:"data"`
	Return []int32 `json:"return" yaml:"return"`
}

// WordInfo is the result of QUERY_WORD.
type WordInfo struct {
	Index uint16 `json:"index" yaml:"index"`
	Name  string `json:"name" yaml:"name"`
	Code  []byte `json:"code" yaml:"code"`
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each round trip when the context carries no deadline.
// Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client talks to one device. Requests are serialized; a Client is safe
// for concurrent use.
type Client struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	rx      *protocol.Receiver
	readBuf []byte
	timeout time.Duration

	// Set by the receiver callbacks during a round trip.
	ack      []byte
	got      bool
	oversize int
}

// New creates a Client over rw.
func New(rw io.ReadWriter, opts ...Option) *Client {
	c := &Client{
		rw:      rw,
		readBuf: make([]byte, 256),
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rx = protocol.NewAckReceiver(protocol.MaxPayloadSize, (*ackHandler)(c))
	return c
}

// Close closes the underlying transport if it is an io.Closer.
func (c *Client) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ackHandler receives the Receiver's callbacks.
type ackHandler Client

func (h *ackHandler) HandleFrame(frame []byte) {
	h.ack = append(h.ack[:0], frame...)
	h.got = true
}

func (h *ackHandler) HandleOversize(length int) {
	h.oversize = length
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Do sends cmd with payload and returns the decoded response. A response
// with a non-OK code is returned together with that code as the error.
func (c *Client) Do(ctx context.Context, cmd protocol.Command, payload []byte) (protocol.Ack, error) {
	req, err := protocol.EncodeFrame(cmd, payload)
	if err != nil {
		return protocol.Ack{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := c.rw.(deadliner); ok {
		deadline, has := ctx.Deadline()
		if !has && c.timeout > 0 {
			deadline = time.Now().Add(c.timeout)
		}
		dl.SetReadDeadline(deadline)
		stop := context.AfterFunc(ctx, func() {
			dl.SetReadDeadline(time.Unix(1, 0))
		})
		defer func() {
			stop()
			dl.SetReadDeadline(time.Time{})
		}()
	}

	c.rx.Reset()
	c.got = false
	c.oversize = 0

	log.Debugf("-> %s (%d bytes)", cmd, len(payload))
	if _, err := c.rw.Write(req); err != nil {
		return protocol.Ack{}, fmt.Errorf("client: send %s: %w", cmd, err)
	}

	for !c.got {
		if c.oversize > 0 {
			return protocol.Ack{}, fmt.Errorf("%w: %d bytes", ErrOversizeResponse, c.oversize)
		}
		if err := ctx.Err(); err != nil {
			return protocol.Ack{}, err
		}
		n, err := c.rw.Read(c.readBuf)
		for _, b := range c.readBuf[:n] {
			c.rx.Feed(b)
			if c.got || c.oversize > 0 {
				break
			}
		}
		if c.got {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return protocol.Ack{}, ctxErr
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return protocol.Ack{}, fmt.Errorf("client: %s: %w", cmd, context.DeadlineExceeded)
			}
			return protocol.Ack{}, fmt.Errorf("client: receive %s: %w", cmd, err)
		}
	}

	ack, err := protocol.DecodeAck(c.ack)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("client: %s response: %w", cmd, err)
	}
	// Detach from the receive buffer.
	ack.Extra = append([]byte(nil), ack.Extra...)
	log.Debugf("<- %s (%d bytes)", ack.Code, len(ack.Extra))
	if ack.Code != protocol.ErrOK {
		return ack, ack.Code
	}
	return ack, nil
}

// Ping checks that the device answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.CmdPing, nil)
	return err
}

// Reset clears the device's words, stacks and memory.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.CmdReset, nil)
	return err
}

// Exec uploads bare bytecode or a .v4b container and returns the word
// indices the device assigned, main block last.
func (c *Client) Exec(ctx context.Context, payload []byte) ([]uint16, error) {
	ack, err := c.Do(ctx, protocol.CmdExec, payload)
	if err != nil {
		return nil, err
	}
	return parseIndices(ack.Extra)
}

func parseIndices(p []byte) ([]uint16, error) {
	if len(p) < 1 || len(p) != 1+2*int(p[0]) {
		return nil, fmt.Errorf("%w: EXEC reply of %d bytes", ErrMalformedResponse, len(p))
	}
	out := make([]uint16, p[0])
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(p[1+2*i:])
	}
	return out, nil
}

// QueryStack reads the device's data and return stacks.
func (c *Client) QueryStack(ctx context.Context) (*StackDump, error) {
	ack, err := c.Do(ctx, protocol.CmdQueryStack, nil)
	if err != nil {
		return nil, err
	}
	data, rest, err := parseStack(ack.Extra)
	if err != nil {
		return nil, err
	}
	ret, rest, err := parseStack(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in QUERY_STACK reply", ErrMalformedResponse, len(rest))
	}
	return &StackDump{Data: data, Return: ret}, nil
}

func parseStack(p []byte) ([]int32, []byte, error) {
	if len(p) < 1 {
		return nil, nil, fmt.Errorf("%w: missing stack depth", ErrMalformedResponse)
	}
	n := int(p[0])
	p = p[1:]
	if len(p) < 4*n {
		return nil, nil, fmt.Errorf("%w: stack of %d values in %d bytes", ErrMalformedResponse, n, len(p))
	}
	values := make([]int32, n)
	for i := range values {
		values[i] = int32(binary.LittleEndian.Uint32(p[4*i:]))
	}
	return values, p[4*n:], nil
}

// QueryMemory reads n bytes at addr. The device may return fewer bytes
// than asked for when n exceeds its memory window.
func (c *Client) QueryMemory(ctx context.Context, addr uint32, n uint16) ([]byte, error) {
	req := binary.LittleEndian.AppendUint32(make([]byte, 0, 6), addr)
	req = binary.LittleEndian.AppendUint16(req, n)
	ack, err := c.Do(ctx, protocol.CmdQueryMemory, req)
	if err != nil {
		return nil, err
	}
	if len(ack.Extra) > int(n) {
		return nil, fmt.Errorf("%w: asked for %d bytes, got %d", ErrMalformedResponse, n, len(ack.Extra))
	}
	return ack.Extra, nil
}

// QueryWord reads the name and bytecode of the word at idx.
func (c *Client) QueryWord(ctx context.Context, idx uint16) (*WordInfo, error) {
	ack, err := c.Do(ctx, protocol.CmdQueryWord, binary.LittleEndian.AppendUint16(nil, idx))
	if err != nil {
		return nil, err
	}
	p := ack.Extra
	if len(p) < 1 || len(p) < 1+int(p[0])+2 {
		return nil, fmt.Errorf("%w: QUERY_WORD reply of %d bytes", ErrMalformedResponse, len(p))
	}
	nameLen := int(p[0])
	name := string(p[1 : 1+nameLen])
	p = p[1+nameLen:]
	codeLen := int(binary.LittleEndian.Uint16(p))
	if len(p)-2 != codeLen {
		return nil, fmt.Errorf("%w: code length %d, carried %d", ErrMalformedResponse, codeLen, len(p)-2)
	}
	return &WordInfo{Index: idx, Name: name, Code: p[2:]}, nil
}
