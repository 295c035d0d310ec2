package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/v4link/pkg/bytecode"
	"github.com/chazu/v4link/server"
	"github.com/chazu/v4link/vm"
)

// env is a hermetic CLI environment: an empty config, a private symbol
// database and, when started, a simulator on a loopback port.
type env struct {
	dir     string
	symbols string
	target  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "v4link.toml"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	return &env{dir: dir, symbols: filepath.Join(dir, "symbols.db")}
}

func (e *env) startSimulator(t *testing.T) {
	t.Helper()
	w := server.NewWorker(vm.New(vm.DefaultConfig()))
	srv := server.New(w)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	t.Cleanup(func() {
		srv.Close()
		w.Stop()
	})
	e.target = "tcp://" + l.Addr().String()
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	base := []string{"--config", e.dir, "--symbols", e.symbols, "--device", "test"}
	if e.target != "" {
		base = append(base, "--port", e.target)
	}
	buf := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append(base, args...))
	err := root.Execute()
	return buf.String(), err
}

func (e *env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("v4link %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// writeModule writes a module whose main block squares 7 with a SQUARE word.
func (e *env) writeModule(t *testing.T) string {
	t.Helper()
	main := bytecode.NewBuilder()
	main.Lit(7)
	main.Call(0)
	main.Emit(bytecode.OpRet)

	m := &bytecode.Module{
		Name: "square",
		Main: main.Bytes(),
		Words: []bytecode.ModuleWord{
			{Name: "SQUARE", Code: []byte{byte(bytecode.OpDup), byte(bytecode.OpMul), byte(bytecode.OpRet)}},
		},
	}
	if err := m.Seal(); err != nil {
		t.Fatal(err)
	}
	data, err := bytecode.MarshalModule(m)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(e.dir, "square.cbor")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPackAndDisassemble(t *testing.T) {
	e := newEnv(t)
	mod := e.writeModule(t)

	out := e.mustRun(t, "pack", mod)
	if !strings.Contains(out, "square.v4b") {
		t.Errorf("pack output = %q", out)
	}
	v4b := filepath.Join(e.dir, "square.v4b")
	data, err := os.ReadFile(v4b)
	if err != nil {
		t.Fatal(err)
	}
	c, err := bytecode.ParseContainer(data)
	if err != nil {
		t.Fatalf("packed file: %v", err)
	}
	if len(c.Words) != 1 || c.Words[0].Name != "SQUARE" {
		t.Errorf("packed words = %+v", c.Words)
	}

	out = e.mustRun(t, "dis", v4b)
	for _, want := range []string{"container v0.2, 1 words", "; === SQUARE ===", "CALL 0 ; SQUARE", "LIT_U8 7"} {
		if !strings.Contains(out, want) {
			t.Errorf("dis output missing %q:\n%s", want, out)
		}
	}

	out = e.mustRun(t, "dis", "-o", "json", mod)
	if !strings.Contains(out, `"name": "SQUARE"`) || !strings.Contains(out, `"name": "main"`) {
		t.Errorf("dis json = %s", out)
	}
}

func TestUnpack(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "pack", e.writeModule(t), "--out", filepath.Join(e.dir, "out.v4b"))
	e.mustRun(t, "unpack", filepath.Join(e.dir, "out.v4b"), "--name", "again")

	data, err := os.ReadFile(filepath.Join(e.dir, "out.cbor"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := bytecode.UnmarshalModule(data)
	if err != nil {
		t.Fatalf("unpacked module: %v", err)
	}
	if m.Name != "again" || len(m.Words) != 1 || m.Digest == ([32]byte{}) {
		t.Errorf("module = %+v", m)
	}
}

func TestDisassembleRaw(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.dir, "raw.bin")
	os.WriteFile(path, []byte{byte(bytecode.OpLitU8), 3, byte(bytecode.OpRet)}, 0644)

	out := e.mustRun(t, "dis", path)
	if !strings.Contains(out, "0000  LIT_U8 3") || !strings.Contains(out, "0002  RET") {
		t.Errorf("dis output = %s", out)
	}
}

func TestDeviceSession(t *testing.T) {
	e := newEnv(t)
	e.startSimulator(t)

	if out := e.mustRun(t, "ping"); !strings.Contains(out, "OK") {
		t.Errorf("ping output = %q", out)
	}

	out := e.mustRun(t, "exec", e.writeModule(t))
	if !strings.Contains(out, "SQUARE") {
		t.Errorf("exec output = %s", out)
	}

	out = e.mustRun(t, "stack", "-o", "json")
	if !strings.Contains(out, "49") {
		t.Errorf("stack output = %s", out)
	}

	out = e.mustRun(t, "words")
	if !strings.Contains(out, "SQUARE") {
		t.Errorf("words output = %s", out)
	}

	out = e.mustRun(t, "word", "1")
	if !strings.Contains(out, "CALL 0 ; SQUARE") {
		t.Errorf("word output = %s", out)
	}

	out = e.mustRun(t, "mem", "0x0", "20")
	if !strings.Contains(out, "0x00000000") || !strings.Contains(out, "0x00000010") {
		t.Errorf("mem output = %s", out)
	}

	e.mustRun(t, "reset")
	if out := e.mustRun(t, "words"); !strings.Contains(out, "Nothing found.") {
		t.Errorf("words after reset = %s", out)
	}
	if _, err := e.run(t, "word", "0"); err == nil || !strings.Contains(err.Error(), "VM_ERROR") {
		t.Errorf("word 0 after reset: %v", err)
	}
}

func TestExecBareBytecode(t *testing.T) {
	e := newEnv(t)
	e.startSimulator(t)
	path := filepath.Join(e.dir, "bare.bin")
	os.WriteFile(path, []byte{byte(bytecode.OpLitU8), 42, byte(bytecode.OpRet)}, 0644)

	out := e.mustRun(t, "exec", "-o", "yaml", path)
	if !strings.Contains(out, "index: 0") || !strings.Contains(out, "size: 3") {
		t.Errorf("exec output = %s", out)
	}
}

func TestBadArguments(t *testing.T) {
	e := newEnv(t)
	tests := [][]string{
		{"mem", "nope", "4"},
		{"mem", "0", "70000"},
		{"word", "-1"},
		{"exec"},
		{"pack", filepath.Join(e.dir, "missing.cbor")},
	}
	for _, args := range tests {
		if _, err := e.run(t, args...); err == nil {
			t.Errorf("v4link %s succeeded", strings.Join(args, " "))
		}
	}
}

func TestSimulatorTarget(t *testing.T) {
	tests := map[string]string{
		":7401":          "tcp://localhost:7401",
		"0.0.0.0:9":      "tcp://localhost:9",
		"127.0.0.1:8000": "tcp://127.0.0.1:8000",
	}
	for in, want := range tests {
		if got := simulatorTarget(in); got != want {
			t.Errorf("simulatorTarget(%q) = %q, want %q", in, got, want)
		}
	}
}
