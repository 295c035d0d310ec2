package bytecode

import "fmt"

// Opcode represents a V4 bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Literals and stack manipulation (0x00-0x0F)
	// ========================================================================

	OpLit  Opcode = 0x00 // Push literal: OpLit <value:i32 LE>
	OpDup  Opcode = 0x01 // Duplicate top of stack
	OpDrop Opcode = 0x02 // Pop top of stack
	OpSwap Opcode = 0x03 // Swap top two stack elements
	OpOver Opcode = 0x04 // Copy second element to top: a b -> a b a
	OpRot  Opcode = 0x05 // Rotate top three: a b c -> b c a

	// ========================================================================
	// Arithmetic (0x10-0x17)
	// ========================================================================

	OpAdd Opcode = 0x10 // Pop two, push sum
	OpSub Opcode = 0x11 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x12 // Pop two, push product
	OpDiv Opcode = 0x13 // Pop two, push truncated quotient
	OpMod Opcode = 0x14 // Pop two, push remainder
	OpNeg Opcode = 0x15 // Negate top of stack

	// ========================================================================
	// Bitwise (0x18-0x1F)
	// ========================================================================

	OpAnd    Opcode = 0x18
	OpOr     Opcode = 0x19
	OpXor    Opcode = 0x1A
	OpInvert Opcode = 0x1B // Bitwise complement

	// ========================================================================
	// Comparison (0x20-0x2F)
	// ========================================================================
	// Comparisons push -1 for true and 0 for false.

	OpEq Opcode = 0x20
	OpNe Opcode = 0x21
	OpLt Opcode = 0x22
	OpLe Opcode = 0x23
	OpGt Opcode = 0x24
	OpGe Opcode = 0x25

	// ========================================================================
	// Return stack (0x30-0x3F)
	// ========================================================================

	OpToR    Opcode = 0x30 // Move TOS to the return stack (>R)
	OpFromR  Opcode = 0x31 // Move top of return stack to data stack (R>)
	OpRFetch Opcode = 0x32 // Copy top of return stack to data stack (R@)

	// ========================================================================
	// Control flow (0x40-0x47)
	// ========================================================================
	// Jump offsets are relative to the instruction that follows the jump.

	OpJmp Opcode = 0x40 // Unconditional jump: OpJmp <offset:i16 LE>
	OpJz  Opcode = 0x41 // Pop, jump if zero: OpJz <offset:i16 LE>
	OpJnz Opcode = 0x42 // Pop, jump if non-zero: OpJnz <offset:i16 LE>

	// ========================================================================
	// Memory (0x48-0x4F)
	// ========================================================================

	OpLoad   Opcode = 0x48 // addr -> u32 at addr
	OpStore  Opcode = 0x49 // value addr -> (stores u32)
	OpLoad8  Opcode = 0x4A // addr -> byte at addr
	OpStore8 Opcode = 0x4B // value addr -> (stores low byte)

	// ========================================================================
	// Words (0x50-0x5F)
	// ========================================================================

	OpCall Opcode = 0x50 // Call word by index: OpCall <index:u16 LE>
	OpRet  Opcode = 0x51 // Return from the current word

	// ========================================================================
	// System (0x60-0x6F)
	// ========================================================================

	OpSys Opcode = 0x60 // System call: OpSys <id:u8> <args:15 bytes>

	// ========================================================================
	// Compact literals (0x76-0x7F)
	// ========================================================================

	OpLitU8  Opcode = 0x76 // Push zero-extended byte: OpLitU8 <value:u8>
	OpLitI8  Opcode = 0x77 // Push sign-extended byte: OpLitI8 <value:i8>
	OpLitI16 Opcode = 0x78 // Push sign-extended halfword: OpLitI16 <value:i16 LE>
)

// SysOperandLen is the fixed operand width of OpSys.
const SysOperandLen = 16

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from the data stack (-1 = variable)
	StackPush  int    // How many values pushed to the data stack
	OperandLen int    // Number of operand bytes following the opcode
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Literals and stack
	OpLit:  {"LIT", 0, 1, 4},
	OpDup:  {"DUP", 1, 2, 0},
	OpDrop: {"DROP", 1, 0, 0},
	OpSwap: {"SWAP", 2, 2, 0},
	OpOver: {"OVER", 2, 3, 0},
	OpRot:  {"ROT", 3, 3, 0},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},
	OpMod: {"MOD", 2, 1, 0},
	OpNeg: {"NEG", 1, 1, 0},

	// Bitwise
	OpAnd:    {"AND", 2, 1, 0},
	OpOr:     {"OR", 2, 1, 0},
	OpXor:    {"XOR", 2, 1, 0},
	OpInvert: {"INVERT", 1, 1, 0},

	// Comparison
	OpEq: {"EQ", 2, 1, 0},
	OpNe: {"NE", 2, 1, 0},
	OpLt: {"LT", 2, 1, 0},
	OpLe: {"LE", 2, 1, 0},
	OpGt: {"GT", 2, 1, 0},
	OpGe: {"GE", 2, 1, 0},

	// Return stack
	OpToR:    {"TOR", 1, 0, 0},
	OpFromR:  {"FROMR", 0, 1, 0},
	OpRFetch: {"RFETCH", 0, 1, 0},

	// Control flow
	OpJmp: {"JMP", 0, 0, 2},
	OpJz:  {"JZ", 1, 0, 2},
	OpJnz: {"JNZ", 1, 0, 2},

	// Memory
	OpLoad:   {"LOAD", 1, 1, 0},
	OpStore:  {"STORE", 2, 0, 0},
	OpLoad8:  {"LOAD8", 1, 1, 0},
	OpStore8: {"STORE8", 2, 0, 0},

	// Words
	OpCall: {"CALL", -1, 0, 2}, // Effect is the callee's
	OpRet:  {"RET", 0, 0, 0},

	// System
	OpSys: {"SYS", -1, 0, SysOperandLen},

	// Compact literals
	OpLitU8:  {"LIT_U8", 0, 1, 1},
	OpLitI8:  {"LIT_I8", 0, 1, 1},
	OpLitI16: {"LIT_I16", 0, 1, 2},
}

// GetOpcodeInfo returns metadata for an opcode.
// Unknown opcodes get the name "UNKNOWN(0xNN)" and no operands, so every
// byte still decodes as a one-byte instruction.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op)), StackPop: 0, StackPush: 0, OperandLen: 0}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Known reports whether op is part of the instruction set.
func (op Opcode) Known() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode is a relative jump.
func (op Opcode) IsJump() bool {
	return op >= OpJmp && op <= OpJnz
}

// IsLiteral returns true if this opcode pushes an immediate value.
func (op Opcode) IsLiteral() bool {
	return op == OpLit || (op >= OpLitU8 && op <= OpLitI16)
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
