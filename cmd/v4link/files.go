package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/v4link/pkg/bytecode"
	"github.com/chazu/v4link/pkg/output"
	"github.com/spf13/cobra"
)

func (a *app) packCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <module.cbor>",
		Short: "Convert a CBOR module into a .v4b container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := bytecode.UnmarshalModule(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			payload, err := m.Container().Marshal()
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if out == "" {
				out = replaceExt(args[0], ".v4b")
			}
			if err := os.WriteFile(out, payload, 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d words, %d bytes)\n", out, len(m.Words), len(payload))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default: input with .v4b extension)")
	return cmd
}

func (a *app) unpackCmd() *cobra.Command {
	var out, name string
	cmd := &cobra.Command{
		Use:   "unpack <file.v4b>",
		Short: "Convert a .v4b container into a sealed CBOR module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := bytecode.ParseContainer(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			m := bytecode.ModuleFromContainer(name, c)
			if err := m.Seal(); err != nil {
				return err
			}
			encoded, err := bytecode.MarshalModule(m)
			if err != nil {
				return err
			}
			if out == "" {
				out = replaceExt(args[0], ".cbor")
			}
			if err := os.WriteFile(out, encoded, 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (digest %x)\n", out, m.Digest[:8])
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default: input with .cbor extension)")
	cmd.Flags().StringVar(&name, "name", "", "module name (default: input file name)")
	return cmd
}

// listing is the structured form of one disassembled block.
type listing struct {
	Index        int                    `json:"index" yaml:"index"`
	Name         string                 `json:"name" yaml:"name"`
	Instructions []bytecode.Instruction `json:"instructions" yaml:"instructions"`
}

func (a *app) disCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dis <file>",
		Short: "Disassemble bytecode, a .v4b container or a CBOR module",
		Long: `Disassemble a file without contacting the device. CALL operands in a
container are file-relative and are annotated with the container's own
word names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := loadPayload(args[0])
			if err != nil {
				return err
			}

			if !bytecode.IsContainer(payload) {
				if output.IsTable(a.formatter) {
					fmt.Fprint(cmd.OutOrStdout(), bytecode.Disassemble(payload))
				} else {
					a.print(cmd, []listing{{Index: -1, Instructions: bytecode.Decode(payload)}})
				}
				return nil
			}

			c, err := bytecode.ParseContainer(payload)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			namer := func(idx uint16) (string, bool) {
				if int(idx) < len(c.Words) {
					return c.Words[idx].Name, true
				}
				return "", false
			}

			if !output.IsTable(a.formatter) {
				blocks := make([]listing, 0, len(c.Words)+1)
				for i, w := range c.Words {
					blocks = append(blocks, listing{Index: i, Name: w.Name, Instructions: bytecode.Decode(w.Code)})
				}
				blocks = append(blocks, listing{Index: len(c.Words), Name: "main", Instructions: bytecode.Decode(c.Main)})
				a.print(cmd, blocks)
				return nil
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "; container v%d.%d, %d words\n", c.Major, c.Minor, len(c.Words))
			for i, word := range c.Words {
				fmt.Fprintf(w, "\n; [%d]\n", i)
				fmt.Fprint(w, bytecode.DisassembleWithName(word.Name, word.Code, namer))
			}
			fmt.Fprintf(w, "\n; [%d]\n", len(c.Words))
			fmt.Fprint(w, bytecode.DisassembleWithName("main", c.Main, namer))
			return nil
		},
	}
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
