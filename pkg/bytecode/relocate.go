package bytecode

import "encoding/binary"

// RelocateCalls adds offset to the word index of every CALL in code, in
// place and modulo 2^16. It walks instruction by instruction using the
// opcode table, so operand bytes of other instructions are never mistaken
// for CALL. An instruction whose operands run past the end of code stops
// the walk.
//
// File-relative indices in an uploaded container become VM-absolute by
// relocating with the number of words the VM already holds.
func RelocateCalls(code []byte, offset int) {
	if offset == 0 {
		return
	}
	delta := uint16(offset)

	for pc := 0; pc < len(code); {
		op := Opcode(code[pc])
		next := pc + op.InstructionLen()
		if next > len(code) {
			return
		}
		if op == OpCall {
			idx := binary.LittleEndian.Uint16(code[pc+1:])
			binary.LittleEndian.PutUint16(code[pc+1:], idx+delta)
		}
		pc = next
	}
}

// CallTargets returns the word index of every CALL in code, in order.
func CallTargets(code []byte) []uint16 {
	var targets []uint16
	for pc := 0; pc < len(code); {
		op := Opcode(code[pc])
		next := pc + op.InstructionLen()
		if next > len(code) {
			break
		}
		if op == OpCall {
			targets = append(targets, binary.LittleEndian.Uint16(code[pc+1:]))
		}
		pc = next
	}
	return targets
}
