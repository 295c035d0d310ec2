package link

import "io"

// Sink receives encoded response frames. The slice is only valid for the
// duration of the call; implementations that keep it must copy.
type Sink interface {
	Write(frame []byte)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(frame []byte)

func (f SinkFunc) Write(frame []byte) { f(frame) }

// WriterSink forwards frames to an io.Writer. Write errors are logged and
// dropped; the device has no way to report a dead transport.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Write(frame []byte) {
	if _, err := s.W.Write(frame); err != nil {
		log.Warningf("response write failed: %v", err)
	}
}
