package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Magic bytes for .v4b containers: "V4BC" (V4 ByteCode)
var ContainerMagic = []byte{'V', '4', 'B', 'C'}

const (
	// ContainerHeaderSize is the fixed header that precedes the main code.
	ContainerHeaderSize = 16

	// ContainerMajor and ContainerMinor are written by Marshal. Word records
	// are only read from containers with minor version 2 or later.
	ContainerMajor uint8 = 0
	ContainerMinor uint8 = 2

	// MaxWordNameLen is the largest name a record can carry.
	MaxWordNameLen = 255
)

var (
	ErrNotContainer      = errors.New("not a v4b container")
	ErrContainerBounds   = errors.New("container field reads past end of payload")
	ErrWordNameTooLong   = errors.New("word name exceeds 255 bytes")
	ErrRecordsNeedMinor2 = errors.New("word records require container minor version 2 or later")
)

// WordDef is a named word carried in a container.
type WordDef struct {
	Name string
	Code []byte
}

// ContainerHeader is the fixed 16-byte prefix of a container:
//
//	[magic:4] [major:1] [minor:1] [reserved:2]
//	[code_size:4 LE] [word_count:4 LE]
//	[main code:code_size] [records:...]
//
// WordCount is zero when Minor < 2, whatever the bytes say.
type ContainerHeader struct {
	Major     uint8
	Minor     uint8
	CodeSize  uint32
	WordCount uint32
}

// IsContainer reports whether payload starts with the container magic and
// is long enough to hold a header. Anything else is bare bytecode.
func IsContainer(payload []byte) bool {
	return len(payload) >= ContainerHeaderSize && string(payload[:4]) == string(ContainerMagic)
}

// ReadContainerHeader decodes and bounds-checks the header. The main code
// is guaranteed to lie within payload when no error is returned.
func ReadContainerHeader(payload []byte) (ContainerHeader, error) {
	if !IsContainer(payload) {
		return ContainerHeader{}, ErrNotContainer
	}
	h := ContainerHeader{
		Major:    payload[4],
		Minor:    payload[5],
		CodeSize: binary.LittleEndian.Uint32(payload[8:12]),
	}
	if h.Minor >= 2 {
		h.WordCount = binary.LittleEndian.Uint32(payload[12:16])
	}
	if uint64(ContainerHeaderSize)+uint64(h.CodeSize) > uint64(len(payload)) {
		return ContainerHeader{}, fmt.Errorf("%w: main code needs %d bytes at offset %d, payload is %d",
			ErrContainerBounds, h.CodeSize, ContainerHeaderSize, len(payload))
	}
	return h, nil
}

// Main returns the main code block of payload. It aliases payload.
func (h ContainerHeader) Main(payload []byte) []byte {
	return payload[ContainerHeaderSize : ContainerHeaderSize+int(h.CodeSize)]
}

// RecordReader walks the word records of a container one at a time, so a
// caller can act on each record before the next one is validated.
type RecordReader struct {
	data      []byte
	pos       int
	read      int
	remaining uint32
}

// Records returns a reader positioned at the first word record.
func (h ContainerHeader) Records(payload []byte) *RecordReader {
	return &RecordReader{
		data:      payload,
		pos:       ContainerHeaderSize + int(h.CodeSize),
		remaining: h.WordCount,
	}
}

// Remaining returns how many declared records have not been read, capped
// at math.MaxInt32.
func (r *RecordReader) Remaining() int {
	return int(min(r.remaining, math.MaxInt32))
}

// Next returns the next record. ok is false once every declared record has
// been read. The returned code aliases the payload.
func (r *RecordReader) Next() (def WordDef, ok bool, err error) {
	if r.remaining == 0 {
		return WordDef{}, false, nil
	}
	index := r.read

	if r.pos+1 > len(r.data) {
		return WordDef{}, false, fmt.Errorf("%w: record %d name length at offset %d", ErrContainerBounds, index, r.pos)
	}
	nameLen := int(r.data[r.pos])
	r.pos++

	if r.pos+nameLen > len(r.data) {
		return WordDef{}, false, fmt.Errorf("%w: record %d name at offset %d", ErrContainerBounds, index, r.pos)
	}
	name := string(r.data[r.pos : r.pos+nameLen])
	r.pos += nameLen

	if r.pos+4 > len(r.data) {
		return WordDef{}, false, fmt.Errorf("%w: record %q code length at offset %d", ErrContainerBounds, name, r.pos)
	}
	codeLen := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4

	if uint64(r.pos)+uint64(codeLen) > uint64(len(r.data)) {
		return WordDef{}, false, fmt.Errorf("%w: record %q needs %d code bytes at offset %d",
			ErrContainerBounds, name, codeLen, r.pos)
	}
	code := r.data[r.pos : r.pos+int(codeLen)]
	r.pos += int(codeLen)

	r.read++
	r.remaining--
	return WordDef{Name: name, Code: code}, true, nil
}

// Container is a fully decoded .v4b container.
type Container struct {
	Major uint8
	Minor uint8
	Main  []byte
	Words []WordDef
}

// NewContainer creates an empty container at the current version.
func NewContainer() *Container {
	return &Container{Major: ContainerMajor, Minor: ContainerMinor}
}

// AddWord appends a named word and returns its file-relative index.
func (c *Container) AddWord(name string, code []byte) int {
	c.Words = append(c.Words, WordDef{Name: name, Code: code})
	return len(c.Words) - 1
}

// ParseContainer decodes a whole container. Code slices are copied, so the
// result does not alias data.
func ParseContainer(data []byte) (*Container, error) {
	h, err := ReadContainerHeader(data)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Major: h.Major,
		Minor: h.Minor,
		Main:  append([]byte(nil), h.Main(data)...),
	}

	records := h.Records(data)
	// Every record takes at least 5 bytes, which bounds a hostile count.
	c.Words = make([]WordDef, 0, min(records.Remaining(), len(data)/5))
	for {
		def, ok, err := records.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		def.Code = append([]byte(nil), def.Code...)
		c.Words = append(c.Words, def)
	}
	return c, nil
}

// Size returns the encoded length of the container.
func (c *Container) Size() int {
	n := ContainerHeaderSize + len(c.Main)
	for _, w := range c.Words {
		n += 1 + len(w.Name) + 4 + len(w.Code)
	}
	return n
}

// Marshal encodes the container.
func (c *Container) Marshal() ([]byte, error) {
	if len(c.Words) > 0 && c.Minor < 2 {
		return nil, ErrRecordsNeedMinor2
	}

	buf := make([]byte, 0, c.Size())
	buf = append(buf, ContainerMagic...)
	buf = append(buf, c.Major, c.Minor, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Main)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Words)))
	buf = append(buf, c.Main...)

	for _, w := range c.Words {
		if len(w.Name) > MaxWordNameLen {
			return nil, fmt.Errorf("%w: %q", ErrWordNameTooLong, w.Name)
		}
		buf = append(buf, byte(len(w.Name)))
		buf = append(buf, w.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.Code)))
		buf = append(buf, w.Code...)
	}
	return buf, nil
}
