// Package protocol implements the v4link wire format: CRC-8 checksums,
// frame and acknowledgement encoding, and the byte-at-a-time frame receiver
// shared by the device-side link and host-side clients.
//
// Frame layout:
//
//	[STX 0xA5][LEN_L][LEN_H][CMD][DATA 0..512][CRC8]
//
// LEN is little-endian and covers DATA only. CRC8 covers
// [LEN_L][LEN_H][CMD][DATA...]. Responses reuse the layout with CMD replaced
// by an ErrorCode.
package protocol

import "fmt"

const (
	// STX marks the start of every frame.
	STX byte = 0xA5

	// MaxPayloadSize bounds the DATA field of a single frame.
	MaxPayloadSize = 512

	// HeaderSize is STX + LEN_L + LEN_H + CMD.
	HeaderSize = 4

	// MinFrameSize is a frame with an empty payload.
	MinFrameSize = HeaderSize + 1

	// MaxFrameSize is a frame carrying MaxPayloadSize bytes.
	MaxFrameSize = MinFrameSize + MaxPayloadSize
)

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Command identifies a request frame.
type Command byte

const (
	CmdExec        Command = 0x10 // Register and run bytecode or a .v4b container
	CmdPing        Command = 0x20 // Liveness probe
	CmdQueryStack  Command = 0x30 // Dump data and return stacks
	CmdQueryMemory Command = 0x31 // Read a window of linear memory
	CmdQueryWord   Command = 0x32 // Read a word's name and bytecode
	CmdReset       Command = 0xFF // Clear words, stacks and memory
)

var commandNames = map[Command]string{
	CmdExec:        "EXEC",
	CmdPing:        "PING",
	CmdQueryStack:  "QUERY_STACK",
	CmdQueryMemory: "QUERY_MEMORY",
	CmdQueryWord:   "QUERY_WORD",
	CmdReset:       "RESET",
}

// String returns the wire name of the command.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(0x%02X)", byte(c))
}

// ---------------------------------------------------------------------------
// Error codes
// ---------------------------------------------------------------------------

// ErrorCode is the status carried in the command slot of a response frame.
// It implements error so host code can return a non-OK response directly.
type ErrorCode byte

const (
	ErrOK           ErrorCode = 0x00
	ErrGeneral      ErrorCode = 0x01
	ErrInvalidFrame ErrorCode = 0x02
	ErrBufferFull   ErrorCode = 0x03
	ErrVM           ErrorCode = 0x04
)

type codeInfo struct {
	name    string
	message string
}

var errorCodeInfo = map[ErrorCode]codeInfo{
	ErrOK:           {"OK", "success"},
	ErrGeneral:      {"ERROR", "general error"},
	ErrInvalidFrame: {"INVALID_FRAME", "invalid frame (checksum mismatch or malformed payload)"},
	ErrBufferFull:   {"BUFFER_FULL", "frame length exceeds buffer capacity"},
	ErrVM:           {"VM_ERROR", "virtual machine rejected the operation"},
}

// String returns the stable name of the code, e.g. "VM_ERROR".
func (e ErrorCode) String() string {
	if info, ok := errorCodeInfo[e]; ok {
		return info.name
	}
	return fmt.Sprintf("ERR(0x%02X)", byte(e))
}

// Message returns a human-readable description of the code.
func (e ErrorCode) Message() string {
	if info, ok := errorCodeInfo[e]; ok {
		return info.message
	}
	return "unknown error"
}

func (e ErrorCode) Error() string {
	return fmt.Sprintf("v4link: %s: %s", e.String(), e.Message())
}
