// Package bytecode describes the V4 instruction set and the formats that
// carry it over the link.
//
// # Architecture Overview
//
//   - Opcodes: the V4 instruction table. Every instruction is one opcode
//     byte followed by a fixed number of operand bytes, so code can be
//     walked without executing it. Unknown opcodes count as one byte.
//
//   - Relocation: RelocateCalls shifts the word index of every CALL, which
//     turns file-relative indices into VM-absolute ones at upload time.
//
//   - Container: the .v4b envelope ("V4BC") that bundles a main block with
//     named words in a single EXEC payload. RecordReader validates records
//     one at a time so a receiver can register each before reading the
//     next.
//
//   - Module: the host-side CBOR description of an upload, with a sha256
//     digest over its container encoding.
//
//   - Builder and Disassemble: assembling and listing code for tests and
//     tooling.
//
// All multi-byte operands and header fields are little-endian.
package bytecode
