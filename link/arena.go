package link

// arena owns the bytecode buffers handed to the VM. Buffers are only
// released together, on reset, because the VM keeps pointers into them.
type arena struct {
	bufs [][]byte
}

// add copies code into a new owned buffer.
func (a *arena) add(code []byte) []byte {
	buf := make([]byte, len(code))
	copy(buf, code)
	a.bufs = append(a.bufs, buf)
	return buf
}

// drop releases the most recent buffer. Only valid when the VM refused it.
func (a *arena) drop() {
	if n := len(a.bufs); n > 0 {
		a.bufs[n-1] = nil
		a.bufs = a.bufs[:n-1]
	}
}

func (a *arena) reset() {
	clear(a.bufs)
	a.bufs = a.bufs[:0]
}

func (a *arena) len() int {
	return len(a.bufs)
}
