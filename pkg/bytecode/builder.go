package bytecode

import "encoding/binary"

// Builder assembles V4 bytecode. Jumps are emitted with a placeholder and
// patched once the target is known.
type Builder struct {
	Code []byte
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{Code: make([]byte, 0, 64)}
}

// Emit appends a single-byte opcode and returns its offset.
func (b *Builder) Emit(op Opcode) int {
	offset := len(b.Code)
	b.Code = append(b.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with raw operand bytes.
func (b *Builder) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(b.Code)
	b.Code = append(b.Code, byte(op))
	b.Code = append(b.Code, operands...)
	return offset
}

// Lit pushes v using the shortest literal encoding.
func (b *Builder) Lit(v int32) int {
	switch {
	case v >= 0 && v <= 0xFF:
		return b.EmitWithOperand(OpLitU8, byte(v))
	case v >= -128 && v < 0:
		return b.EmitWithOperand(OpLitI8, byte(int8(v)))
	case v >= -32768 && v <= 32767:
		return b.EmitWithOperand(OpLitI16, binary.LittleEndian.AppendUint16(nil, uint16(int16(v)))...)
	default:
		return b.Lit32(v)
	}
}

// Lit32 pushes v with the full 4-byte LIT.
func (b *Builder) Lit32(v int32) int {
	return b.EmitWithOperand(OpLit, binary.LittleEndian.AppendUint32(nil, uint32(v))...)
}

// Call emits a CALL to word idx.
func (b *Builder) Call(idx uint16) int {
	return b.EmitWithOperand(OpCall, byte(idx), byte(idx>>8))
}

// Sys emits a SYS with the given id. args beyond 15 bytes are dropped;
// fewer are zero-padded.
func (b *Builder) Sys(id byte, args ...byte) int {
	operand := make([]byte, SysOperandLen)
	operand[0] = id
	copy(operand[1:], args)
	return b.EmitWithOperand(OpSys, operand...)
}

// EmitJump emits a jump instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (b *Builder) EmitJump(op Opcode) int {
	offset := len(b.Code)
	b.Code = append(b.Code, byte(op), 0xFF, 0xFF) // Placeholder
	return offset + 1
}

// PatchJump patches a jump placeholder to land on the current position.
func (b *Builder) PatchJump(placeholderOffset int) {
	b.PatchJumpTo(placeholderOffset, len(b.Code))
}

// PatchJumpTo patches a jump placeholder to land on target.
func (b *Builder) PatchJumpTo(placeholderOffset int, target int) {
	jumpFrom := placeholderOffset + 2 // After the 2-byte offset
	delta := int16(target - jumpFrom)
	binary.LittleEndian.PutUint16(b.Code[placeholderOffset:], uint16(delta))
}

// EmitLoop emits a backward JMP to loopStart.
func (b *Builder) EmitLoop(loopStart int) {
	jumpFrom := len(b.Code) + 3
	delta := int16(loopStart - jumpFrom)
	b.Code = append(b.Code, byte(OpJmp))
	b.Code = binary.LittleEndian.AppendUint16(b.Code, uint16(delta))
}

// CurrentOffset returns the current offset in the code.
func (b *Builder) CurrentOffset() int {
	return len(b.Code)
}

// Bytes returns the assembled code.
func (b *Builder) Bytes() []byte {
	return b.Code
}
