package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/v4link/pkg/bytecode"
)

var (
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrStackOverflow   = errors.New("stack overflow")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrBadWord         = errors.New("word index out of range")
	ErrDivideByZero    = errors.New("division by zero")
	ErrMemoryBounds    = errors.New("memory access out of bounds")
	ErrTruncated       = errors.New("instruction truncated")
	ErrJumpOutOfRange  = errors.New("jump target outside word")
	ErrWordTableFull   = errors.New("word table full")
	ErrSysUnsupported  = errors.New("system call not supported")
	ErrStepLimit       = errors.New("step limit exceeded")
	ErrCallDepth       = errors.New("call depth exceeded")
	ErrNilWord         = errors.New("nil word")
	ErrWordNameTooLong = errors.New("word name too long")
)

// ExecError locates a failure inside the word that raised it.
type ExecError struct {
	Word string // "" for anonymous words
	PC   int
	Op   bytecode.Opcode
	Err  error
}

func (e *ExecError) Error() string {
	name := e.Word
	if name == "" {
		name = "<anonymous>"
	}
	return fmt.Sprintf("vm: %s at %04X (%s): %v", name, e.PC, e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
