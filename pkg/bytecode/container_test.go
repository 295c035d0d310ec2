package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func sampleContainer() *Container {
	c := NewContainer()
	c.AddWord("DOUBLE", []byte{byte(OpDup), byte(OpAdd), byte(OpRet)})
	c.AddWord("INC", []byte{byte(OpLitU8), 1, byte(OpAdd), byte(OpRet)})
	c.Main = []byte{byte(OpLitU8), 5, byte(OpCall), 0, 0, byte(OpCall), 1, 0, byte(OpRet)}
	return c
}

func TestContainerLayout(t *testing.T) {
	data, err := sampleContainer().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if string(data[0:4]) != "V4BC" {
		t.Errorf("magic = %q", data[0:4])
	}
	if data[4] != ContainerMajor || data[5] != ContainerMinor || data[6] != 0 || data[7] != 0 {
		t.Errorf("version/reserved = % X", data[4:8])
	}
	if got := binary.LittleEndian.Uint32(data[8:12]); got != 9 {
		t.Errorf("code size = %d, want 9", got)
	}
	if got := binary.LittleEndian.Uint32(data[12:16]); got != 2 {
		t.Errorf("word count = %d, want 2", got)
	}
	// First record directly after main.
	rec := data[16+9:]
	if rec[0] != 6 || string(rec[1:7]) != "DOUBLE" || binary.LittleEndian.Uint32(rec[7:11]) != 3 {
		t.Errorf("first record = % X", rec[:14])
	}
	if len(data) != sampleContainer().Size() {
		t.Errorf("len = %d, Size() = %d", len(data), sampleContainer().Size())
	}
}

func TestContainerRoundTrip(t *testing.T) {
	orig := sampleContainer()
	data, err := orig.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := ParseContainer(data)
	if err != nil {
		t.Fatalf("ParseContainer: %v", err)
	}
	if !bytes.Equal(got.Main, orig.Main) {
		t.Errorf("main = % X", got.Main)
	}
	if len(got.Words) != 2 {
		t.Fatalf("words = %d", len(got.Words))
	}
	for i := range orig.Words {
		if got.Words[i].Name != orig.Words[i].Name || !bytes.Equal(got.Words[i].Code, orig.Words[i].Code) {
			t.Errorf("word %d = %+v", i, got.Words[i])
		}
	}

	// The parsed container owns its code.
	data[16] = 0xEE
	if got.Main[0] == 0xEE {
		t.Error("ParseContainer result aliases input")
	}
}

func TestIsContainer(t *testing.T) {
	header, _ := NewContainer().Marshal()
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"header only", header, true},
		{"short", header[:15], false},
		{"bare bytecode", []byte{0x00, 42, 0, 0, 0, 0x51}, false},
		{"wrong magic", append([]byte("V4BX"), header[4:]...), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsContainer(tt.data); got != tt.want {
			t.Errorf("%s: IsContainer = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReadContainerHeaderMinorVersion(t *testing.T) {
	data, _ := sampleContainer().Marshal()
	data[5] = 1

	h, err := ReadContainerHeader(data)
	if err != nil {
		t.Fatalf("ReadContainerHeader: %v", err)
	}
	if h.WordCount != 0 {
		t.Errorf("WordCount = %d with minor 1, want 0", h.WordCount)
	}
	if _, ok, _ := h.Records(data).Next(); ok {
		t.Error("records read from a minor-1 container")
	}
}

func TestReadContainerHeaderMainBounds(t *testing.T) {
	data, _ := NewContainer().Marshal()
	binary.LittleEndian.PutUint32(data[8:12], 1)
	if _, err := ReadContainerHeader(data); !errors.Is(err, ErrContainerBounds) {
		t.Errorf("err = %v, want ErrContainerBounds", err)
	}

	binary.LittleEndian.PutUint32(data[8:12], 0xFFFFFFFF)
	if _, err := ReadContainerHeader(data); !errors.Is(err, ErrContainerBounds) {
		t.Errorf("huge code size: err = %v", err)
	}

	if _, err := ReadContainerHeader([]byte{0x51}); !errors.Is(err, ErrNotContainer) {
		t.Errorf("bare: err = %v, want ErrNotContainer", err)
	}
}

func TestRecordReaderTruncation(t *testing.T) {
	full, _ := sampleContainer().Marshal()
	first := 16 + 9 + 1 + 6 + 4 + 3 // end of DOUBLE

	// Every cut inside the second record fails on the second Next.
	for cut := first; cut < len(full); cut++ {
		data := full[:cut]
		h, err := ReadContainerHeader(data)
		if err != nil {
			t.Fatalf("cut %d: header: %v", cut, err)
		}
		r := h.Records(data)
		def, ok, err := r.Next()
		if err != nil || !ok || def.Name != "DOUBLE" {
			t.Fatalf("cut %d: first record = %+v, %v, %v", cut, def, ok, err)
		}
		if _, _, err := r.Next(); !errors.Is(err, ErrContainerBounds) {
			t.Errorf("cut %d: err = %v, want ErrContainerBounds", cut, err)
		}
	}
}

func TestRecordReaderHugeCodeLength(t *testing.T) {
	data, _ := sampleContainer().Marshal()
	lenAt := 16 + 9 + 1 + 6
	binary.LittleEndian.PutUint32(data[lenAt:], 0xFFFFFFF0)

	h, _ := ReadContainerHeader(data)
	if _, _, err := h.Records(data).Next(); !errors.Is(err, ErrContainerBounds) {
		t.Errorf("err = %v, want ErrContainerBounds", err)
	}
}

func TestRecordReaderRemaining(t *testing.T) {
	data, _ := sampleContainer().Marshal()
	h, _ := ReadContainerHeader(data)
	r := h.Records(data)
	if r.Remaining() != 2 {
		t.Fatalf("Remaining = %d", r.Remaining())
	}
	r.Next()
	r.Next()
	if r.Remaining() != 0 {
		t.Errorf("Remaining = %d after reading all", r.Remaining())
	}
	if _, ok, err := r.Next(); ok || err != nil {
		t.Errorf("Next past end = %v, %v", ok, err)
	}
}

func TestMarshalErrors(t *testing.T) {
	c := NewContainer()
	c.AddWord(strings.Repeat("x", 256), nil)
	if _, err := c.Marshal(); !errors.Is(err, ErrWordNameTooLong) {
		t.Errorf("err = %v, want ErrWordNameTooLong", err)
	}

	old := &Container{Minor: 1}
	old.AddWord("A", nil)
	if _, err := old.Marshal(); !errors.Is(err, ErrRecordsNeedMinor2) {
		t.Errorf("err = %v, want ErrRecordsNeedMinor2", err)
	}
}

func TestParseContainerHugeWordCount(t *testing.T) {
	data, err := NewContainer().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(data[12:], 0xFFFFFFFF)
	if _, err := ParseContainer(data); !errors.Is(err, ErrContainerBounds) {
		t.Errorf("ParseContainer = %v, want ErrContainerBounds", err)
	}
}
