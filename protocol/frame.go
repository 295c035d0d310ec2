package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")
	ErrShortFrame      = errors.New("frame shorter than minimum size")
	ErrBadMarker       = errors.New("frame does not start with STX")
	ErrLengthMismatch  = errors.New("frame length field does not match frame size")
	ErrChecksum        = errors.New("frame checksum mismatch")
)

// Frame is a decoded request frame.
type Frame struct {
	Command Command
	Payload []byte
}

// Ack is a decoded response frame.
type Ack struct {
	Code  ErrorCode
	Extra []byte
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// EncodeFrame builds [STX][LEN_L][LEN_H][CMD][payload][CRC8] where LEN is
// len(payload). Nothing is produced when the payload is too large.
func EncodeFrame(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	return appendFrame(make([]byte, 0, MinFrameSize+len(payload)), byte(cmd), len(payload), payload), nil
}

// EncodeAck builds a response frame. The error code sits in the CMD slot
// and extra follows it; LEN is 1+len(extra), counting the code byte.
func EncodeAck(code ErrorCode, extra []byte) ([]byte, error) {
	return AppendAck(make([]byte, 0, HeaderSize+1+len(extra)), code, extra)
}

// AppendAck is EncodeAck writing into dst[:0], so a response buffer can be
// reused across frames.
func AppendAck(dst []byte, code ErrorCode, extra []byte) ([]byte, error) {
	n := 1 + len(extra)
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, MaxPayloadSize)
	}
	return appendFrame(dst[:0], byte(code), n, extra), nil
}

func appendFrame(dst []byte, slot byte, length int, body []byte) []byte {
	dst = append(dst, STX, byte(length), byte(length>>8), slot)
	dst = append(dst, body...)
	return append(dst, CRC8(dst[1:]))
}

// ---------------------------------------------------------------------------
// Validation and decoding
// ---------------------------------------------------------------------------

// VerifyFrameCRC checks the trailing checksum of a complete raw frame
// (request or response). It fails closed: anything shorter than
// MinFrameSize is invalid.
func VerifyFrameCRC(frame []byte) bool {
	if len(frame) < MinFrameSize {
		return false
	}
	return frame[len(frame)-1] == CRC8(frame[1:len(frame)-1])
}

// DecodeFrame validates a complete raw request frame and returns its command
// and payload. The payload aliases frame.
func DecodeFrame(frame []byte) (Frame, error) {
	body, err := decode(frame, 0)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Command: Command(frame[3]), Payload: body}, nil
}

// DecodeAck validates a complete raw response frame. Extra aliases frame.
func DecodeAck(frame []byte) (Ack, error) {
	body, err := decode(frame, 1)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Code: ErrorCode(frame[3]), Extra: body}, nil
}

// decode checks marker, length and checksum. bias is the number of bytes
// LEN counts beyond the body: 0 for requests, 1 for responses.
func decode(frame []byte, bias int) ([]byte, error) {
	if len(frame) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if frame[0] != STX {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadMarker, frame[0])
	}

	declared := int(frame[1]) | int(frame[2])<<8
	body := len(frame) - MinFrameSize
	if declared-bias != body {
		return nil, fmt.Errorf("%w: declared %d, frame carries %d", ErrLengthMismatch, declared, body+bias)
	}
	if !VerifyFrameCRC(frame) {
		return nil, ErrChecksum
	}
	return frame[HeaderSize : len(frame)-1], nil
}
