package link

import (
	"encoding/binary"

	"github.com/chazu/v4link/pkg/bytecode"
	"github.com/chazu/v4link/protocol"
)

func (l *Link) handleFrame(frame []byte) {
	f, err := protocol.DecodeFrame(frame)
	if err != nil {
		log.Debugf("rejecting frame: %v", err)
		l.reply(protocol.ErrInvalidFrame, nil)
		return
	}

	switch f.Command {
	case protocol.CmdExec:
		l.handleExec(f.Payload)
	case protocol.CmdPing:
		l.reply(protocol.ErrOK, nil)
	case protocol.CmdReset:
		l.handleReset()
	case protocol.CmdQueryStack:
		l.handleQueryStack()
	case protocol.CmdQueryMemory:
		l.handleQueryMemory(f.Payload)
	case protocol.CmdQueryWord:
		l.handleQueryWord(f.Payload)
	default:
		log.Debugf("unknown command %s", f.Command)
		l.reply(protocol.ErrGeneral, nil)
	}
}

// ---------------------------------------------------------------------------
// RESET
// ---------------------------------------------------------------------------

func (l *Link) handleReset() {
	l.vm.Reset()
	l.arena.reset()
	l.reply(protocol.ErrOK, nil)
}

// ---------------------------------------------------------------------------
// EXEC
// ---------------------------------------------------------------------------

func (l *Link) handleExec(payload []byte) {
	if bytecode.IsContainer(payload) {
		l.execContainer(payload)
		return
	}

	idx, code := l.register("", payload, 0)
	if code != protocol.ErrOK {
		l.reply(code, nil)
		return
	}
	w, ok := l.vm.Word(idx)
	if !ok {
		l.reply(protocol.ErrVM, nil)
		return
	}
	// A definition-only upload fails when run eagerly on an empty stack;
	// the word still exists, which is all the host asked for.
	if err := l.vm.Exec(w); err != nil {
		log.Debugf("bare exec of word %d: %v", idx, err)
	}
	l.indices = append(l.indices[:0], idx)
	l.replyIndices()
}

// execContainer registers every word record in order, then the main block,
// then runs the main block. Records registered before a failure stay
// registered.
func (l *Link) execContainer(payload []byte) {
	h, err := bytecode.ReadContainerHeader(payload)
	if err != nil {
		log.Debugf("container rejected: %v", err)
		l.reply(protocol.ErrGeneral, nil)
		return
	}

	offset := 0
	if l.cfg.Relocate {
		if wc, ok := l.vm.(WordCounter); ok {
			offset = wc.WordCount()
		}
	}

	l.indices = l.indices[:0]
	records := h.Records(payload)
	for {
		def, ok, err := records.Next()
		if err != nil {
			log.Debugf("container rejected after %d words: %v", len(l.indices), err)
			l.reply(protocol.ErrGeneral, nil)
			return
		}
		if !ok {
			break
		}
		idx, code := l.register(def.Name, def.Code, offset)
		if code != protocol.ErrOK {
			l.reply(code, nil)
			return
		}
		l.indices = append(l.indices, idx)
	}

	idx, code := l.register("", h.Main(payload), offset)
	if code != protocol.ErrOK {
		l.reply(code, nil)
		return
	}
	w, ok := l.vm.Word(idx)
	if !ok {
		l.reply(protocol.ErrVM, nil)
		return
	}
	if err := l.vm.Exec(w); err != nil {
		log.Debugf("container main (word %d): %v", idx, err)
		l.reply(protocol.ErrVM, nil)
		return
	}
	l.indices = append(l.indices, idx)
	l.replyIndices()
}

// register copies code into the arena, relocates the copy and hands it to
// the VM.
func (l *Link) register(name string, code []byte, offset int) (int, protocol.ErrorCode) {
	owned := l.arena.add(code)
	bytecode.RelocateCalls(owned, offset)
	idx, err := l.vm.RegisterWord(name, owned)
	if err != nil {
		l.arena.drop()
		log.Debugf("register %q: %v", name, err)
		return -1, protocol.ErrVM
	}
	return idx, protocol.ErrOK
}

// replyIndices answers OK with [count][idx u16 LE]...
func (l *Link) replyIndices() {
	p := append(l.payload[:0], byte(len(l.indices)))
	for _, idx := range l.indices {
		p = binary.LittleEndian.AppendUint16(p, uint16(idx))
	}
	l.payload = p
	l.reply(protocol.ErrOK, p)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (l *Link) handleQueryStack() {
	ds, err := l.vm.DataDepth()
	if err != nil {
		l.reply(protocol.ErrVM, nil)
		return
	}
	rs, err := l.vm.ReturnDepth()
	if err != nil {
		l.reply(protocol.ErrVM, nil)
		return
	}
	log.Debugf("stack query: data %d, return %d", ds, rs)

	p := l.payload[:0]
	p = appendStack(p, l.window(l.vm.DataStack(l.stack)))
	p = appendStack(p, l.window(l.vm.ReturnStack(l.stack)))
	l.payload = p
	l.reply(protocol.ErrOK, p)
}

// window returns the topmost StackWindow of the n values copied into the
// scratch stack. A VM deeper than the scratch space can only be reported
// from the bottom.
func (l *Link) window(n int) []int32 {
	return l.stack[max(0, n-l.cfg.StackWindow):n]
}

func appendStack(p []byte, values []int32) []byte {
	p = append(p, byte(len(values)))
	for _, v := range values {
		p = binary.LittleEndian.AppendUint32(p, uint32(v))
	}
	return p
}

func (l *Link) handleQueryMemory(req []byte) {
	if len(req) < 6 {
		l.reply(protocol.ErrInvalidFrame, nil)
		return
	}
	addr := binary.LittleEndian.Uint32(req[0:4])
	n := min(int(binary.LittleEndian.Uint16(req[4:6])), l.cfg.MemoryWindow)

	p := l.payload[:0]
	for off := 0; off < n; off += 4 {
		v, err := l.vm.ReadMemory32(addr + uint32(off))
		if err != nil {
			v = 0
		}
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], v)
		p = append(p, word[:min(4, n-off)]...)
	}
	l.payload = p
	l.reply(protocol.ErrOK, p)
}

func (l *Link) handleQueryWord(req []byte) {
	if len(req) < 2 {
		l.reply(protocol.ErrInvalidFrame, nil)
		return
	}
	idx := int(binary.LittleEndian.Uint16(req[0:2]))
	w, ok := l.vm.Word(idx)
	if !ok {
		l.reply(protocol.ErrVM, nil)
		return
	}

	name, code := w.Name(), w.Code()
	if len(name) > 0xFF || 1+len(name)+2+len(code) > cap(l.payload) {
		l.reply(protocol.ErrBufferFull, nil)
		return
	}
	p := append(l.payload[:0], byte(len(name)))
	p = append(p, name...)
	p = binary.LittleEndian.AppendUint16(p, uint16(len(code)))
	p = append(p, code...)
	l.payload = p
	l.reply(protocol.ErrOK, p)
}
