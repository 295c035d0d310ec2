package link

// Word is a registered unit of bytecode as the VM reports it.
type Word interface {
	Name() string
	Code() []byte
}

// VM is the virtual machine a Link drives. Indices are assigned by the VM
// in registration order.
type VM interface {
	// RegisterWord adds a word and returns its index. An empty name
	// registers an anonymous word. The VM keeps code without copying it;
	// the Link owns the buffer until the next reset.
	RegisterWord(name string, code []byte) (int, error)

	// Word looks up a registered word by index.
	Word(idx int) (Word, bool)

	// Exec runs a word to completion.
	Exec(w Word) error

	// Reset clears words, stacks and memory.
	Reset()

	DataDepth() (int, error)
	ReturnDepth() (int, error)

	// DataStack and ReturnStack copy stack contents into dst, bottom
	// first, and return the number of values copied.
	DataStack(dst []int32) int
	ReturnStack(dst []int32) int

	// ReadMemory32 reads a little-endian 32-bit word at addr.
	ReadMemory32(addr uint32) (uint32, error)
}

// WordCounter is implemented by VMs that can report how many words they
// hold. A Link uses it to relocate CALLs in uploaded containers.
type WordCounter interface {
	WordCount() int
}

// StackSizer is implemented by VMs with fixed stack capacity. A Link sizes
// its QUERY_STACK scratch space from it so the top of a stack deeper than
// the window can still be reported.
type StackSizer interface {
	StackCapacity() int
}
