package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/v4link/client"
	"github.com/chazu/v4link/pkg/bytecode"
	"github.com/chazu/v4link/pkg/output"
	"github.com/chazu/v4link/symtab"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("v4link.cli")

// withClient dials the device, runs fn and closes the connection.
func (a *app) withClient(fn func(c *client.Client) error) error {
	c, err := a.connect()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the device answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(c *client.Client) error {
				if err := c.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("ping %s: %w", a.target, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", a.target)
				return nil
			})
		},
	}
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the device's words, stacks and memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.withClient(func(c *client.Client) error {
				return c.Reset(cmd.Context())
			})
			if err != nil {
				return fmt.Errorf("reset %s: %w", a.target, err)
			}
			if store, err := a.openSymbols(); err != nil {
				log.Warningf("symbol table: %v", err)
			} else {
				defer store.Close()
				if err := store.Clear(a.device); err != nil {
					log.Warningf("symbol table: %v", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", a.target)
			return nil
		},
	}
}

// upload is one row of exec output.
type upload struct {
	Index uint16 `json:"index" yaml:"index"`
	Name  string `json:"name" yaml:"name"`
	Size  int    `json:"size" yaml:"size"`
}

func (a *app) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <file>",
		Short: "Upload and run bytecode, a .v4b container or a CBOR module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := loadPayload(args[0])
			if err != nil {
				return err
			}

			var indices []uint16
			err = a.withClient(func(c *client.Client) error {
				indices, err = c.Exec(cmd.Context(), payload)
				return err
			})
			if err != nil {
				return fmt.Errorf("exec %s: %w", args[0], err)
			}

			rows, err := uploadRows(payload, indices)
			if err != nil {
				return err
			}
			a.recordSymbols(rows)
			a.print(cmd, rows)
			return nil
		},
	}
}

// uploadRows pairs the indices a device assigned with the words that were
// sent: container words in order, then main.
func uploadRows(payload []byte, indices []uint16) ([]upload, error) {
	if !bytecode.IsContainer(payload) {
		if len(indices) != 1 {
			return nil, fmt.Errorf("device assigned %d indices to one word", len(indices))
		}
		return []upload{{Index: indices[0], Size: len(payload)}}, nil
	}

	c, err := bytecode.ParseContainer(payload)
	if err != nil {
		return nil, err
	}
	if len(indices) != len(c.Words)+1 {
		return nil, fmt.Errorf("device assigned %d indices to %d words", len(indices), len(c.Words)+1)
	}
	rows := make([]upload, len(indices))
	for i, w := range c.Words {
		rows[i] = upload{Index: indices[i], Name: w.Name, Size: len(w.Code)}
	}
	rows[len(rows)-1] = upload{Index: indices[len(indices)-1], Size: len(c.Main)}
	return rows, nil
}

func (a *app) recordSymbols(rows []upload) {
	store, err := a.openSymbols()
	if err != nil {
		log.Warningf("symbol table: %v", err)
		return
	}
	defer store.Close()

	syms := make([]symtab.Symbol, len(rows))
	for i, r := range rows {
		syms[i] = symtab.Symbol{Device: a.device, Index: r.Index, Name: r.Name, Size: r.Size}
	}
	if err := store.Record(syms...); err != nil {
		log.Warningf("symbol table: %v", err)
	}
}

func (a *app) stackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stack",
		Short: "Show the device's data and return stacks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(c *client.Client) error {
				st, err := c.QueryStack(cmd.Context())
				if err != nil {
					return fmt.Errorf("stack: %w", err)
				}
				a.print(cmd, st)
				return nil
			})
		},
	}
}

// memoryLine is one row of a memory dump.
type memoryLine struct {
	Address string `json:"address" yaml:"address"`
	Bytes   []byte `json:"bytes" yaml:"bytes"`
	ASCII   string `json:"ascii" yaml:"ascii"`
}

func (a *app) memCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mem <addr> <len>",
		Short: "Read device memory (numbers may be hex, e.g. 0x100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[0], err)
			}
			n, err := strconv.ParseUint(args[1], 0, 16)
			if err != nil {
				return fmt.Errorf("invalid length %q: %w", args[1], err)
			}
			return a.withClient(func(c *client.Client) error {
				data, err := c.QueryMemory(cmd.Context(), uint32(addr), uint16(n))
				if err != nil {
					return fmt.Errorf("mem: %w", err)
				}
				if len(data) < int(n) {
					log.Infof("device returned %d of %d bytes", len(data), n)
				}
				a.print(cmd, dumpLines(uint32(addr), data))
				return nil
			})
		},
	}
}

func dumpLines(addr uint32, data []byte) []memoryLine {
	var lines []memoryLine
	for off := 0; off < len(data); off += 16 {
		chunk := data[off:min(off+16, len(data))]
		ascii := make([]byte, len(chunk))
		for i, b := range chunk {
			if b >= 0x20 && b < 0x7F {
				ascii[i] = b
			} else {
				ascii[i] = '.'
			}
		}
		lines = append(lines, memoryLine{
			Address: fmt.Sprintf("0x%08X", addr+uint32(off)),
			Bytes:   chunk,
			ASCII:   string(ascii),
		})
	}
	return lines
}

// wordView is the structured form of the word command.
type wordView struct {
	Index        uint16                 `json:"index" yaml:"index"`
	Name         string                 `json:"name" yaml:"name"`
	Size         int                    `json:"size" yaml:"size"`
	Instructions []bytecode.Instruction `json:"instructions" yaml:"instructions"`
}

func (a *app) wordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "word <index>",
		Short: "Fetch and disassemble a word from the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.ParseUint(args[0], 0, 16)
			if err != nil {
				return fmt.Errorf("invalid word index %q: %w", args[0], err)
			}
			var w *client.WordInfo
			err = a.withClient(func(c *client.Client) error {
				w, err = c.QueryWord(cmd.Context(), uint16(idx))
				return err
			})
			if err != nil {
				return fmt.Errorf("word %d: %w", idx, err)
			}

			if !output.IsTable(a.formatter) {
				a.print(cmd, wordView{Index: w.Index, Name: w.Name, Size: len(w.Code), Instructions: bytecode.Decode(w.Code)})
				return nil
			}
			name := w.Name
			if name == "" {
				name = fmt.Sprintf("word %d", w.Index)
			}
			fmt.Fprint(cmd.OutOrStdout(), bytecode.DisassembleWithName(name, w.Code, a.deviceNamer()))
			return nil
		},
	}
}

// deviceNamer resolves CALL targets through the symbol table. It returns
// nil when the table cannot be opened.
func (a *app) deviceNamer() bytecode.WordNamer {
	store, err := a.openSymbols()
	if err != nil {
		log.Debugf("symbol table: %v", err)
		return nil
	}
	syms, err := store.List(a.device)
	store.Close()
	if err != nil {
		log.Debugf("symbol table: %v", err)
		return nil
	}
	names := make(map[uint16]string, len(syms))
	for _, s := range syms {
		if s.Name != "" {
			names[s.Index] = s.Name
		}
	}
	return func(idx uint16) (string, bool) {
		n, ok := names[idx]
		return n, ok
	}
}

func (a *app) wordsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "words",
		Short: "List the words recorded for the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openSymbols()
			if err != nil {
				return err
			}
			defer store.Close()

			devices := []string{a.device}
			if all {
				if devices, err = store.Devices(); err != nil {
					return err
				}
			}
			var syms []symtab.Symbol
			for _, d := range devices {
				s, err := store.List(d)
				if err != nil {
					return err
				}
				syms = append(syms, s...)
			}
			a.print(cmd, syms)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every device")
	return cmd
}

// loadPayload reads an EXEC payload. A .cbor file is a module and is packed
// into a container; anything else is sent as is.
func loadPayload(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(path), ".cbor") {
		return data, nil
	}
	m, err := bytecode.UnmarshalModule(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m.Container().Marshal()
}
