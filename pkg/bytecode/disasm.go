package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// WordNamer resolves a CALL target to a word name for annotation.
// It returns false when the index is unknown.
type WordNamer func(idx uint16) (string, bool)

// Instruction is one decoded instruction. Value is set for literals and
// Target for jumps; Effect is the data stack effect, "( pop -- push )".
type Instruction struct {
	Offset    int    `json:"offset" yaml:"offset"`
	Op        Opcode `json:"-" yaml:"-"`
	Name      string `json:"op" yaml:"op"`
	Operands  []byte `json:"operands,omitempty" yaml:"operands,omitempty"`
	Value     *int32 `json:"value,omitempty" yaml:"value,omitempty"`
	Target    *int   `json:"target,omitempty" yaml:"target,omitempty"`
	Effect    string `json:"effect,omitempty" yaml:"effect,omitempty"`
	Truncated bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

// Decode splits code into instructions. A final instruction whose operands
// run past the end of code is returned with Truncated set and whatever
// operand bytes exist.
func Decode(code []byte) []Instruction {
	var out []Instruction
	for offset := 0; offset < len(code); {
		op := Opcode(code[offset])
		end := offset + op.InstructionLen()
		ins := Instruction{Offset: offset, Op: op, Name: op.String()}
		if op.Known() {
			ins.Effect = stackEffect(GetOpcodeInfo(op))
		}
		if end > len(code) {
			ins.Operands = code[offset+1:]
			ins.Truncated = true
			out = append(out, ins)
			break
		}
		if end > offset+1 {
			ins.Operands = code[offset+1 : end]
		}
		switch {
		case op.IsLiteral():
			v := literalValue(op, ins.Operands)
			ins.Value = &v
		case op.IsJump():
			target := end + int(int16(binary.LittleEndian.Uint16(ins.Operands)))
			ins.Target = &target
		}
		out = append(out, ins)
		offset = end
	}
	return out
}

// literalValue decodes the immediate of a literal instruction. operand
// must hold the full operand.
func literalValue(op Opcode, operand []byte) int32 {
	switch op {
	case OpLit:
		return int32(binary.LittleEndian.Uint32(operand))
	case OpLitU8:
		return int32(operand[0])
	case OpLitI8:
		return int32(int8(operand[0]))
	case OpLitI16:
		return int32(int16(binary.LittleEndian.Uint16(operand)))
	}
	return 0
}

func stackEffect(info OpcodeInfo) string {
	count := func(n int) string {
		if n < 0 {
			return "?"
		}
		return fmt.Sprint(n)
	}
	return fmt.Sprintf("( %s -- %s )", count(info.StackPop), count(info.StackPush))
}

// Disassemble returns a human-readable listing of code.
func Disassemble(code []byte) string {
	return DisassembleWithName("", code, nil)
}

// DisassembleWithName returns a listing with a name header. When words is
// non-nil, CALL targets are annotated with the resolved word name.
func DisassembleWithName(name string, code []byte, words WordNamer) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; V4 bytecode, %d bytes\n", len(code)))
	if targets := CallTargets(code); len(targets) > 0 {
		sb.WriteString(fmt.Sprintf("; Calls: %d\n", len(targets)))
	}
	sb.WriteString("\n")

	for _, line := range disassembleLines(code, words) {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// DisassembleToLines returns the disassembly as a slice of lines.
func DisassembleToLines(code []byte) []string {
	return disassembleLines(code, nil)
}

func disassembleLines(code []byte, words WordNamer) []string {
	var lines []string
	offset := 0
	for offset < len(code) {
		line, instrLen := disassembleInstruction(code, offset, words)
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, line))
		if instrLen == 0 {
			break
		}
		offset += instrLen
	}
	return lines
}

// DisassembleInstruction returns a human-readable representation of the
// instruction at offset and its length. The length is zero when the
// instruction is truncated.
func DisassembleInstruction(code []byte, offset int) (string, int) {
	return disassembleInstruction(code, offset, nil)
}

func disassembleInstruction(code []byte, offset int, words WordNamer) (string, int) {
	if offset >= len(code) {
		return "<end of code>", 0
	}

	op := Opcode(code[offset])
	info := GetOpcodeInfo(op)
	instrLen := 1 + info.OperandLen
	if offset+instrLen > len(code) {
		return fmt.Sprintf("%s <truncated: %d of %d operand bytes>",
			info.Name, len(code)-offset-1, info.OperandLen), 0
	}
	operand := code[offset+1 : offset+instrLen]

	switch op {
	case OpLit, OpLitU8, OpLitI8, OpLitI16:
		return fmt.Sprintf("%s %d", info.Name, literalValue(op, operand)), instrLen

	case OpJmp, OpJz, OpJnz:
		delta := int16(binary.LittleEndian.Uint16(operand))
		target := offset + instrLen + int(delta)
		return fmt.Sprintf("%s %+d (-> %04X)", info.Name, delta, target), instrLen

	case OpCall:
		idx := binary.LittleEndian.Uint16(operand)
		if words != nil {
			if name, ok := words(idx); ok && name != "" {
				return fmt.Sprintf("CALL %d ; %s", idx, name), instrLen
			}
		}
		return fmt.Sprintf("CALL %d", idx), instrLen

	case OpSys:
		return fmt.Sprintf("SYS %d [% X]", operand[0], operand[1:]), instrLen

	default:
		return info.Name, instrLen
	}
}

// InstructionCount returns the number of instructions in code, counting a
// truncated final instruction.
func InstructionCount(code []byte) int {
	return len(Decode(code))
}
