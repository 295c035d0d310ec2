package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/chazu/v4link/protocol"
)

// readAck reads exactly one response frame from r.
func readAck(t *testing.T, r io.Reader) protocol.Ack {
	t.Helper()
	hdr := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	n := int(hdr[1]) | int(hdr[2])<<8
	rest := make([]byte, n) // extra plus CRC; LEN counts the code byte
	if _, err := io.ReadFull(r, rest); err != nil {
		t.Fatalf("read body: %v", err)
	}
	ack, err := protocol.DecodeAck(append(hdr, rest...))
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	return ack
}

func startServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	w := newTestWorker(t)
	srv := New(w, opts...)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()
	t.Cleanup(func() {
		srv.Close()
		if err := <-done; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve returned %v", err)
		}
	})
	return srv, l.Addr().String()
}

func TestServeTCP(t *testing.T) {
	_, addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write(request(t, protocol.CmdExec, []byte{0x76, 5, 0x76, 6, 0x10}))
	ack := readAck(t, conn)
	if ack.Code != protocol.ErrOK || !bytes.Equal(ack.Extra, []byte{1, 0, 0}) {
		t.Errorf("EXEC ack = %+v", ack)
	}

	conn.Write(request(t, protocol.CmdQueryStack, nil))
	ack = readAck(t, conn)
	if !bytes.Equal(ack.Extra, []byte{1, 11, 0, 0, 0, 0}) {
		t.Errorf("stack = % X", ack.Extra)
	}
}

func TestConnectionsShareOneVM(t *testing.T) {
	_, addr := startServer(t)
	a, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	a.SetDeadline(time.Now().Add(2 * time.Second))
	b.SetDeadline(time.Now().Add(2 * time.Second))

	a.Write(request(t, protocol.CmdExec, []byte{0x76, 9}))
	readAck(t, a)

	b.Write(request(t, protocol.CmdQueryStack, nil))
	ack := readAck(t, b)
	if !bytes.Equal(ack.Extra, []byte{1, 9, 0, 0, 0, 0}) {
		t.Errorf("stack seen by second connection = % X", ack.Extra)
	}
}

func TestResetOnConnect(t *testing.T) {
	_, addr := startServer(t, WithResetOnConnect(true))

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	first.SetDeadline(time.Now().Add(2 * time.Second))
	first.Write(request(t, protocol.CmdExec, []byte{0x76, 9}))
	readAck(t, first)
	first.Close()

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetDeadline(time.Now().Add(2 * time.Second))
	second.Write(request(t, protocol.CmdQueryWord, []byte{0, 0}))
	if ack := readAck(t, second); ack.Code != protocol.ErrVM {
		t.Errorf("word 0 after reconnect: %s, want VM_ERROR", ack.Code)
	}
}

func TestServeConnPipe(t *testing.T) {
	w := newTestWorker(t)
	srv := New(w, WithReadBufferSize(1))
	host, device := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(device)
		close(done)
	}()

	host.SetDeadline(time.Now().Add(2 * time.Second))
	host.Write(request(t, protocol.CmdPing, nil))
	if ack := readAck(t, host); ack.Code != protocol.ErrOK {
		t.Errorf("ping ack = %s", ack.Code)
	}

	host.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after EOF")
	}
	srv.Close()
}

func TestIdleTimeout(t *testing.T) {
	w := newTestWorker(t)
	srv := New(w, WithIdleTimeout(30*time.Millisecond))
	defer srv.Close()
	host, device := net.Pipe()
	defer host.Close()

	done := make(chan struct{})
	go func() {
		srv.ServeConn(device)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not dropped")
	}
}

func TestCloseDropsConnections(t *testing.T) {
	w := newTestWorker(t)
	srv := New(w)
	host, device := net.Pipe()
	defer host.Close()

	done := make(chan struct{})
	go func() {
		srv.ServeConn(device)
		close(done)
	}()
	// Make sure the connection is being served before closing.
	host.SetDeadline(time.Now().Add(2 * time.Second))
	host.Write(request(t, protocol.CmdPing, nil))
	readAck(t, host)

	if err := srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn still running after Close")
	}

	l, _ := net.Listen("tcp", "127.0.0.1:0")
	if err := srv.Serve(l); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Close = %v", err)
	}
}
