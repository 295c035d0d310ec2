// Package manifest handles v4link.toml configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/v4link/link"
	"github.com/chazu/v4link/vm"
)

// FileName is the name Load and FindAndLoad look for.
const FileName = "v4link.toml"

// Manifest represents a v4link.toml configuration.
type Manifest struct {
	Link    LinkSection    `toml:"link"`
	VM      VMSection      `toml:"vm"`
	Serial  SerialSection  `toml:"serial"`
	Sim     SimSection     `toml:"sim"`
	Log     LogSection     `toml:"log"`
	Symbols SymbolsSection `toml:"symbols"`

	// Dir is the directory containing the v4link.toml file (set at load time).
	Dir string `toml:"-"`
}

// LinkSection configures the frame link.
type LinkSection struct {
	BufferSize   int   `toml:"buffer-size"`
	StackWindow  int   `toml:"stack-window"`
	MemoryWindow int   `toml:"memory-window"`
	Relocate     *bool `toml:"relocate"`
}

// VMSection sizes the reference VM.
type VMSection struct {
	MemorySize int `toml:"memory-size"`
	MaxWords   int `toml:"max-words"`
	StackDepth int `toml:"stack-depth"`
}

// SerialSection configures the host's device connection.
type SerialSection struct {
	Port    string   `toml:"port"`
	Baud    int      `toml:"baud"`
	Timeout Duration `toml:"timeout"`
}

// SimSection configures the device simulator.
type SimSection struct {
	Listen string `toml:"listen"`
}

// LogSection configures commonlog.
type LogSection struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// SymbolsSection locates the host symbol database.
type SymbolsSection struct {
	DB string `toml:"db"`
}

// Duration is a time.Duration written as a string such as "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no v4link.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

// Load parses a v4link.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if m.Symbols.DB != "" && !filepath.IsAbs(m.Symbols.DB) && !strings.HasPrefix(m.Symbols.DB, "~") {
		m.Symbols.DB = filepath.Join(m.Dir, m.Symbols.DB)
	}
	return m, nil
}

// Parse decodes v4link.toml content and fills in defaults. Keys that do not
// belong to any section are an error.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a v4link.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	lc := link.DefaultConfig()
	if m.Link.BufferSize == 0 {
		m.Link.BufferSize = lc.BufferSize
	}
	if m.Link.StackWindow == 0 {
		m.Link.StackWindow = lc.StackWindow
	}
	if m.Link.MemoryWindow == 0 {
		m.Link.MemoryWindow = lc.MemoryWindow
	}
	if m.Link.Relocate == nil {
		on := lc.Relocate
		m.Link.Relocate = &on
	}

	vc := vm.DefaultConfig()
	if m.VM.MemorySize == 0 {
		m.VM.MemorySize = vc.MemorySize
	}
	if m.VM.MaxWords == 0 {
		m.VM.MaxWords = vc.MaxWords
	}
	if m.VM.StackDepth == 0 {
		m.VM.StackDepth = vc.StackDepth
	}

	if m.Serial.Baud == 0 {
		m.Serial.Baud = 115200
	}
	if m.Serial.Timeout.Duration == 0 {
		m.Serial.Timeout.Duration = 2 * time.Second
	}
	if m.Sim.Listen == "" {
		m.Sim.Listen = ":7401"
	}
	if m.Symbols.DB == "" {
		m.Symbols.DB = filepath.Join("~", ".v4link", "symbols.db")
	}
}

// Validate reports settings the link or VM cannot honor.
func (m *Manifest) Validate() error {
	var errs []error
	if err := m.LinkConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if m.VM.MemorySize < 0 || m.VM.MaxWords < 0 || m.VM.StackDepth < 0 {
		errs = append(errs, errors.New("vm sizes must not be negative"))
	}
	if m.VM.MaxWords > 1<<16 {
		errs = append(errs, fmt.Errorf("vm max-words %d exceeds the 16-bit word index", m.VM.MaxWords))
	}
	if m.Serial.Baud < 0 {
		errs = append(errs, fmt.Errorf("serial baud %d is negative", m.Serial.Baud))
	}
	if m.Serial.Timeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("serial timeout %s is negative", m.Serial.Timeout))
	}
	return errors.Join(errs...)
}

// LinkConfig converts the [link] section.
func (m *Manifest) LinkConfig() link.Config {
	cfg := link.Config{
		BufferSize:   m.Link.BufferSize,
		StackWindow:  m.Link.StackWindow,
		MemoryWindow: m.Link.MemoryWindow,
		Relocate:     true,
	}
	if m.Link.Relocate != nil {
		cfg.Relocate = *m.Link.Relocate
	}
	return cfg
}

// VMConfig converts the [vm] section.
func (m *Manifest) VMConfig() vm.Config {
	cfg := vm.DefaultConfig()
	cfg.MemorySize = m.VM.MemorySize
	cfg.MaxWords = m.VM.MaxWords
	cfg.StackDepth = m.VM.StackDepth
	return cfg
}

// SymbolsPath returns the symbol database path with a leading ~ expanded.
func (m *Manifest) SymbolsPath() (string, error) {
	return expandHome(m.Symbols.DB)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand %s: %w", path, err)
	}
	return filepath.Join(home, path[1:]), nil
}
