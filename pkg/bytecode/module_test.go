package bytecode

import (
	"bytes"
	"errors"
	"testing"
)

func sampleModule() *Module {
	return &Module{
		Name: "blink",
		Main: []byte{byte(OpCall), 0, 0, byte(OpRet)},
		Words: []ModuleWord{
			{Name: "LED_ON", Code: []byte{byte(OpLitU8), 1, byte(OpDrop), byte(OpRet)}},
		},
	}
}

func TestModuleRoundTrip(t *testing.T) {
	m := sampleModule()
	if err := m.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	data, err := MarshalModule(m)
	if err != nil {
		t.Fatalf("MarshalModule: %v", err)
	}
	got, err := UnmarshalModule(data)
	if err != nil {
		t.Fatalf("UnmarshalModule: %v", err)
	}

	if got.Name != "blink" || !bytes.Equal(got.Main, m.Main) || len(got.Words) != 1 {
		t.Errorf("module = %+v", got)
	}
	if got.Digest != m.Digest {
		t.Error("digest lost in round trip")
	}
}

func TestModuleEncodingIsDeterministic(t *testing.T) {
	a, _ := MarshalModule(sampleModule())
	b, _ := MarshalModule(sampleModule())
	if !bytes.Equal(a, b) {
		t.Error("same module encoded differently")
	}
}

func TestModuleDigestMismatch(t *testing.T) {
	m := sampleModule()
	m.Seal()
	m.Words[0].Code = []byte{byte(OpRet)}

	data, _ := MarshalModule(m)
	if _, err := UnmarshalModule(data); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("err = %v, want ErrDigestMismatch", err)
	}
}

func TestModuleUnsealedVerifies(t *testing.T) {
	if err := sampleModule().Verify(); err != nil {
		t.Errorf("unsealed module: %v", err)
	}
}

func TestModuleContainer(t *testing.T) {
	c := sampleModule().Container()
	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	parsed, err := ParseContainer(data)
	if err != nil {
		t.Fatalf("ParseContainer: %v", err)
	}
	if len(parsed.Words) != 1 || parsed.Words[0].Name != "LED_ON" {
		t.Errorf("words = %+v", parsed.Words)
	}

	back := ModuleFromContainer("blink", parsed)
	if !bytes.Equal(back.Main, sampleModule().Main) || back.Words[0].Name != "LED_ON" {
		t.Errorf("ModuleFromContainer = %+v", back)
	}
}

func TestUnmarshalModuleGarbage(t *testing.T) {
	if _, err := UnmarshalModule([]byte{0xFF, 0x00}); err == nil {
		t.Error("garbage decoded")
	}
}
