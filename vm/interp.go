package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/v4link/link"
	"github.com/chazu/v4link/pkg/bytecode"
)

// Exec runs w to completion. Running off the end of a word's code returns
// from it like RET. On error the stacks are left as the failing
// instruction found them.
func (m *Machine) Exec(w link.Word) error {
	if w == nil {
		return ErrNilWord
	}
	cur, _ := w.(*Word)
	if cur == nil {
		cur = &Word{index: -1, name: w.Name(), code: w.Code()}
	}

	m.frames = m.frames[:0]
	err := m.run(cur)
	if err != nil {
		log.Debugf("exec %q failed: %v", cur.name, err)
	}
	return err
}

// run is the main execution loop.
func (m *Machine) run(word *Word) error {
	code := word.code
	pc := 0
	steps := 0

	for {
		if pc >= len(code) {
			// Implicit RET.
			if len(m.frames) == 0 {
				return nil
			}
			word, code, pc = m.popFrame()
			continue
		}

		if m.cfg.MaxSteps > 0 {
			steps++
			if steps > m.cfg.MaxSteps {
				return &ExecError{Word: word.name, PC: pc, Op: bytecode.Opcode(code[pc]), Err: ErrStepLimit}
			}
		}

		start := pc
		op := bytecode.Opcode(code[pc])
		next := pc + op.InstructionLen()
		if next > len(code) {
			return &ExecError{Word: word.name, PC: start, Op: op, Err: ErrTruncated}
		}
		operand := code[pc+1 : next]
		pc = next

		fail := func(err error) error {
			return &ExecError{Word: word.name, PC: start, Op: op, Err: err}
		}

		switch op {
		// ============ Literals ============
		case bytecode.OpLit:
			if err := m.Push(int32(binary.LittleEndian.Uint32(operand))); err != nil {
				return fail(err)
			}

		case bytecode.OpLitU8:
			if err := m.Push(int32(operand[0])); err != nil {
				return fail(err)
			}

		case bytecode.OpLitI8:
			if err := m.Push(int32(int8(operand[0]))); err != nil {
				return fail(err)
			}

		case bytecode.OpLitI16:
			if err := m.Push(int32(int16(binary.LittleEndian.Uint16(operand)))); err != nil {
				return fail(err)
			}

		// ============ Stack Operations ============
		case bytecode.OpDup:
			if err := m.need(1); err != nil {
				return fail(err)
			}
			if err := m.Push(m.ds[m.sp-1]); err != nil {
				return fail(err)
			}

		case bytecode.OpDrop:
			if err := m.need(1); err != nil {
				return fail(err)
			}
			m.sp--

		case bytecode.OpSwap:
			if err := m.need(2); err != nil {
				return fail(err)
			}
			m.ds[m.sp-1], m.ds[m.sp-2] = m.ds[m.sp-2], m.ds[m.sp-1]

		case bytecode.OpOver:
			if err := m.need(2); err != nil {
				return fail(err)
			}
			if err := m.Push(m.ds[m.sp-2]); err != nil {
				return fail(err)
			}

		case bytecode.OpRot:
			// Rotate top 3: [a b c] -> [b c a]
			if err := m.need(3); err != nil {
				return fail(err)
			}
			a := m.ds[m.sp-3]
			m.ds[m.sp-3] = m.ds[m.sp-2]
			m.ds[m.sp-2] = m.ds[m.sp-1]
			m.ds[m.sp-1] = a

		// ============ Arithmetic and Bitwise ============
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor,
			bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			if err := m.need(2); err != nil {
				return fail(err)
			}
			a, b := m.ds[m.sp-2], m.ds[m.sp-1]
			r, err := binary2(op, a, b)
			if err != nil {
				return fail(err)
			}
			m.sp--
			m.ds[m.sp-1] = r

		case bytecode.OpNeg:
			if err := m.need(1); err != nil {
				return fail(err)
			}
			m.ds[m.sp-1] = -m.ds[m.sp-1]

		case bytecode.OpInvert:
			if err := m.need(1); err != nil {
				return fail(err)
			}
			m.ds[m.sp-1] = ^m.ds[m.sp-1]

		// ============ Return Stack ============
		case bytecode.OpToR:
			v, err := m.Pop()
			if err != nil {
				return fail(err)
			}
			if err := m.rpush(v); err != nil {
				return fail(err)
			}

		case bytecode.OpFromR:
			if m.rp == 0 {
				return fail(ErrStackUnderflow)
			}
			if err := m.Push(m.rs[m.rp-1]); err != nil {
				return fail(err)
			}
			m.rp--

		case bytecode.OpRFetch:
			if m.rp == 0 {
				return fail(ErrStackUnderflow)
			}
			if err := m.Push(m.rs[m.rp-1]); err != nil {
				return fail(err)
			}

		// ============ Control Flow ============
		case bytecode.OpJmp, bytecode.OpJz, bytecode.OpJnz:
			take := true
			if op != bytecode.OpJmp {
				v, err := m.Pop()
				if err != nil {
					return fail(err)
				}
				take = (v == 0) == (op == bytecode.OpJz)
			}
			if take {
				target := pc + int(int16(binary.LittleEndian.Uint16(operand)))
				if target < 0 || target > len(code) {
					return fail(fmt.Errorf("%w: %d", ErrJumpOutOfRange, target))
				}
				pc = target
			}

		// ============ Memory ============
		case bytecode.OpLoad, bytecode.OpLoad8:
			if err := m.need(1); err != nil {
				return fail(err)
			}
			addr := uint32(m.ds[m.sp-1])
			var v int32
			if op == bytecode.OpLoad {
				u, err := m.ReadMemory32(addr)
				if err != nil {
					return fail(err)
				}
				v = int32(u)
			} else {
				b, err := m.span(addr, 1)
				if err != nil {
					return fail(err)
				}
				v = int32(b[0])
			}
			m.ds[m.sp-1] = v

		case bytecode.OpStore, bytecode.OpStore8:
			if err := m.need(2); err != nil {
				return fail(err)
			}
			addr := uint32(m.ds[m.sp-1])
			val := m.ds[m.sp-2]
			if op == bytecode.OpStore {
				if err := m.WriteMemory32(addr, uint32(val)); err != nil {
					return fail(err)
				}
			} else {
				b, err := m.span(addr, 1)
				if err != nil {
					return fail(err)
				}
				b[0] = byte(val)
			}
			m.sp -= 2

		// ============ Words ============
		case bytecode.OpCall:
			idx := int(binary.LittleEndian.Uint16(operand))
			if idx >= len(m.words) {
				return fail(fmt.Errorf("%w: %d of %d", ErrBadWord, idx, len(m.words)))
			}
			if len(m.frames) >= m.cfg.MaxCallDepth {
				return fail(ErrCallDepth)
			}
			m.frames = append(m.frames, frame{word: word, code: code, pc: pc})
			word = m.words[idx]
			code = word.code
			pc = 0

		case bytecode.OpRet:
			if len(m.frames) == 0 {
				return nil
			}
			word, code, pc = m.popFrame()

		// ============ System ============
		case bytecode.OpSys:
			if m.sys == nil {
				return fail(fmt.Errorf("%w: id %d", ErrSysUnsupported, operand[0]))
			}
			if err := m.sys(m, operand[0], operand[1:]); err != nil {
				return fail(err)
			}

		default:
			return fail(fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, byte(op)))
		}
	}
}

func (m *Machine) popFrame() (*Word, []byte, int) {
	f := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]
	return f.word, f.code, f.pc
}

func flag(b bool) int32 {
	if b {
		return -1
	}
	return 0
}

// binary2 applies a two-operand instruction to a (second) and b (top).
func binary2(op bytecode.Opcode, a, b int32) (int32, error) {
	switch op {
	case bytecode.OpAdd:
		return a + b, nil
	case bytecode.OpSub:
		return a - b, nil
	case bytecode.OpMul:
		return a * b, nil
	case bytecode.OpDiv:
		if b == 0 {
			return 0, ErrDivideByZero
		}
		return a / b, nil
	case bytecode.OpMod:
		if b == 0 {
			return 0, ErrDivideByZero
		}
		return a % b, nil
	case bytecode.OpAnd:
		return a & b, nil
	case bytecode.OpOr:
		return a | b, nil
	case bytecode.OpXor:
		return a ^ b, nil
	case bytecode.OpEq:
		return flag(a == b), nil
	case bytecode.OpNe:
		return flag(a != b), nil
	case bytecode.OpLt:
		return flag(a < b), nil
	case bytecode.OpLe:
		return flag(a <= b), nil
	case bytecode.OpGt:
		return flag(a > b), nil
	case bytecode.OpGe:
		return flag(a >= b), nil
	}
	return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, byte(op))
}
