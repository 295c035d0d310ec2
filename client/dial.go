package client

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DialConfig describes how to reach a device.
type DialConfig struct {
	Baud    int           // serial ports only
	Timeout time.Duration // connect timeout and default round-trip timeout
}

// Dial opens target and returns a Client over it. target is either
// "tcp://host:port" for the simulator or a serial port name such as
// "/dev/ttyACM0", "COM3" or "serial:///dev/ttyACM0".
func Dial(target string, cfg DialConfig) (*Client, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	switch {
	case strings.HasPrefix(target, "tcp://"):
		addr := strings.TrimPrefix(target, "tcp://")
		conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		log.Infof("connected to %s", addr)
		return New(conn, WithTimeout(cfg.Timeout)), nil

	default:
		name := strings.TrimPrefix(target, "serial://")
		port, err := serial.Open(name, &serial.Mode{
			BaudRate: cfg.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("client: open %s: %w", name, err)
		}
		if err := port.ResetInputBuffer(); err != nil {
			log.Warningf("flush %s: %v", name, err)
		}
		log.Infof("opened %s at %d baud", name, cfg.Baud)
		return New(&serialConn{port: port}, WithTimeout(cfg.Timeout)), nil
	}
}

// serialConn gives a serial port net.Conn-style read deadlines. The port
// only knows per-read timeouts and reports one as a zero-byte read.
type serialConn struct {
	port serial.Port

	mu       sync.Mutex
	deadline time.Time
}

const serialPoll = 50 * time.Millisecond

func (s *serialConn) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *serialConn) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		deadline := s.deadline
		s.mu.Unlock()

		wait := serialPoll
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			wait = min(left, serialPoll)
		}
		if err := s.port.SetReadTimeout(wait); err != nil {
			return 0, err
		}
		n, err := s.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConn) Close() error {
	return s.port.Close()
}
