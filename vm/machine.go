package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/v4link/link"
	"github.com/chazu/v4link/pkg/bytecode"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("v4link.vm")

// Config sizes a Machine. All storage is allocated once by New.
type Config struct {
	MemorySize   int // bytes of linear memory
	MaxWords     int // word table capacity
	StackDepth   int // data and return stack depth
	MaxCallDepth int // nested CALLs
	MaxSteps     int // instructions per Exec; 0 means unlimited
}

// DefaultConfig returns the sizes used by the simulator.
func DefaultConfig() Config {
	return Config{
		MemorySize:   4096,
		MaxWords:     256,
		StackDepth:   256,
		MaxCallDepth: 64,
		MaxSteps:     1_000_000,
	}
}

// SysHandler services a SYS instruction. args holds the 15 argument bytes
// that follow the syscall id. The handler may use the machine's stacks and
// memory.
type SysHandler func(m *Machine, id byte, args []byte) error

// Option configures a Machine.
type Option func(*Machine)

// WithSysHandler installs the SYS handler. Without one, SYS fails with
// ErrSysUnsupported.
func WithSysHandler(h SysHandler) Option {
	return func(m *Machine) {
		m.sys = h
	}
}

// Word is a registered word. Its code is the slice handed to RegisterWord,
// not a copy.
type Word struct {
	index int
	name  string
	code  []byte
}

func (w *Word) Name() string { return w.name }
func (w *Word) Code() []byte { return w.code }
func (w *Word) Index() int   { return w.index }

// frame is a suspended caller.
type frame struct {
	word *Word
	code []byte
	pc   int
}

// Machine is a V4-compatible stack machine with 32-bit cells, a separate
// return stack, a word table and little-endian linear memory.
//
// A Machine is not safe for concurrent use.
type Machine struct {
	cfg Config

	words []*Word

	ds []int32
	sp int
	rs []int32
	rp int

	frames []frame
	mem    []byte

	sys SysHandler
}

var (
	_ link.VM          = (*Machine)(nil)
	_ link.WordCounter = (*Machine)(nil)
)

// New creates a machine. Zero fields in cfg take their DefaultConfig value.
func New(cfg Config, opts ...Option) *Machine {
	def := DefaultConfig()
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = def.MemorySize
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = def.MaxWords
	}
	if cfg.StackDepth <= 0 {
		cfg.StackDepth = def.StackDepth
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = def.MaxCallDepth
	}

	m := &Machine{
		cfg:    cfg,
		words:  make([]*Word, 0, cfg.MaxWords),
		ds:     make([]int32, cfg.StackDepth),
		rs:     make([]int32, cfg.StackDepth),
		frames: make([]frame, 0, cfg.MaxCallDepth),
		mem:    make([]byte, cfg.MemorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the machine's sizes.
func (m *Machine) Config() Config {
	return m.cfg
}

// ---------------------------------------------------------------------------
// Word table
// ---------------------------------------------------------------------------

// RegisterWord appends a word and returns its index. An empty name
// registers an anonymous word. code is retained, not copied, so the caller
// must keep it alive and unchanged.
func (m *Machine) RegisterWord(name string, code []byte) (int, error) {
	if len(m.words) >= m.cfg.MaxWords {
		return -1, fmt.Errorf("%w: %d words", ErrWordTableFull, len(m.words))
	}
	if len(name) > bytecode.MaxWordNameLen {
		return -1, fmt.Errorf("%w: %d bytes", ErrWordNameTooLong, len(name))
	}
	w := &Word{index: len(m.words), name: name, code: code}
	m.words = append(m.words, w)
	return w.index, nil
}

// Word returns the word at idx.
func (m *Machine) Word(idx int) (link.Word, bool) {
	if idx < 0 || idx >= len(m.words) {
		return nil, false
	}
	return m.words[idx], true
}

// WordCount returns the number of registered words.
func (m *Machine) WordCount() int {
	return len(m.words)
}

// Reset clears the word table, both stacks and memory.
func (m *Machine) Reset() {
	clear(m.words)
	m.words = m.words[:0]
	m.sp = 0
	m.rp = 0
	m.frames = m.frames[:0]
	clear(m.mem)
	log.Debug("machine reset")
}

// ---------------------------------------------------------------------------
// Stacks
// ---------------------------------------------------------------------------

// DataDepth returns the number of values on the data stack.
func (m *Machine) DataDepth() (int, error) {
	return m.sp, nil
}

// ReturnDepth returns the number of values on the return stack.
func (m *Machine) ReturnDepth() (int, error) {
	return m.rp, nil
}

// DataStack copies the data stack into dst, bottom first, and returns the
// number of values copied.
func (m *Machine) DataStack(dst []int32) int {
	return copy(dst, m.ds[:m.sp])
}

// ReturnStack copies the return stack into dst, bottom first.
func (m *Machine) ReturnStack(dst []int32) int {
	return copy(dst, m.rs[:m.rp])
}

// StackCapacity returns the depth of each stack.
func (m *Machine) StackCapacity() int {
	return len(m.ds)
}

// Push pushes v onto the data stack.
func (m *Machine) Push(v int32) error {
	if m.sp >= len(m.ds) {
		return ErrStackOverflow
	}
	m.ds[m.sp] = v
	m.sp++
	return nil
}

// Pop pops the top of the data stack.
func (m *Machine) Pop() (int32, error) {
	if m.sp == 0 {
		return 0, ErrStackUnderflow
	}
	m.sp--
	return m.ds[m.sp], nil
}

func (m *Machine) need(n int) error {
	if m.sp < n {
		return ErrStackUnderflow
	}
	return nil
}

func (m *Machine) rpush(v int32) error {
	if m.rp >= len(m.rs) {
		return ErrStackOverflow
	}
	m.rs[m.rp] = v
	m.rp++
	return nil
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

func (m *Machine) span(addr uint32, n int) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m.mem)) {
		return nil, fmt.Errorf("%w: %d bytes at 0x%08X, memory is %d", ErrMemoryBounds, n, addr, len(m.mem))
	}
	return m.mem[addr:end], nil
}

// ReadMemory32 reads a little-endian 32-bit word.
func (m *Machine) ReadMemory32(addr uint32) (uint32, error) {
	b, err := m.span(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteMemory32 stores a little-endian 32-bit word.
func (m *Machine) WriteMemory32(addr, v uint32) error {
	b, err := m.span(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// ReadMemory copies n bytes starting at addr.
func (m *Machine) ReadMemory(addr uint32, n int) ([]byte, error) {
	b, err := m.span(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// WriteMemory stores data at addr.
func (m *Machine) WriteMemory(addr uint32, data []byte) error {
	b, err := m.span(addr, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// MemorySize returns the size of linear memory in bytes.
func (m *Machine) MemorySize() int {
	return len(m.mem)
}
