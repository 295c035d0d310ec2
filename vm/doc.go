// Package vm implements a reference V4 virtual machine.
//
// This package contains:
//   - A word table that retains caller-owned bytecode
//   - 32-bit data and return stacks
//   - Little-endian linear memory
//   - An interpreter for the instruction set in pkg/bytecode
//
// Machine satisfies link.VM, so it can sit behind a link.Link in the
// device simulator and in tests.
package vm
