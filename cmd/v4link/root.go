package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/chazu/v4link/client"
	"github.com/chazu/v4link/manifest"
	"github.com/chazu/v4link/pkg/output"
	"github.com/chazu/v4link/symtab"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// app is the state shared by every command, filled in by the root
// command's PersistentPreRunE.
type app struct {
	// Global flags
	configDir    string
	target       string
	device       string
	outputFormat string
	symbolsDB    string
	timeout      time.Duration
	verbose      int

	cfg       *manifest.Manifest
	formatter output.Formatter
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "v4link",
		Short: "Talk to a V4 VM over its serial bytecode link",
		Long: `v4link uploads bytecode to a device running the V4 VM and inspects
its state. The device is reached over a serial port, or over TCP when it is
the v4sim simulator (--port tcp://localhost:7401).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configDir, "config", "", "directory holding v4link.toml (default: search upward from the working directory)")
	flags.StringVarP(&a.target, "port", "p", "", "serial port or tcp://host:port (default from [serial] port, else the simulator)")
	flags.StringVar(&a.device, "device", "", "name the symbol table files uploads under (default: the port)")
	flags.StringVarP(&a.outputFormat, "output", "o", "table", "output format: "+strings.Join(output.Formats, ", "))
	flags.StringVar(&a.symbolsDB, "symbols", "", "symbol database (default from [symbols] db)")
	flags.DurationVar(&a.timeout, "timeout", 0, "round-trip timeout (default from [serial] timeout)")
	flags.CountVarP(&a.verbose, "verbose", "v", "increase log verbosity")

	root.AddCommand(
		a.pingCmd(),
		a.resetCmd(),
		a.execCmd(),
		a.stackCmd(),
		a.memCmd(),
		a.wordCmd(),
		a.wordsCmd(),
		a.packCmd(),
		a.unpackCmd(),
		a.disCmd(),
	)
	return root
}

func (a *app) setup() error {
	var err error
	if a.configDir != "" {
		a.cfg, err = manifest.Load(a.configDir)
	} else {
		var wd string
		if wd, err = os.Getwd(); err == nil {
			a.cfg, err = manifest.FindAndLoad(wd)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.cfg == nil {
		a.cfg = manifest.Default()
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	verbosity := a.cfg.Log.Verbosity + a.verbose
	if a.cfg.Log.File != "" {
		commonlog.Configure(verbosity, &a.cfg.Log.File)
	} else {
		commonlog.Configure(verbosity, nil)
	}

	if a.target == "" {
		a.target = a.cfg.Serial.Port
	}
	if a.target == "" {
		a.target = simulatorTarget(a.cfg.Sim.Listen)
	}
	if a.device == "" {
		a.device = a.target
	}
	if a.timeout <= 0 {
		a.timeout = a.cfg.Serial.Timeout.Duration
	}
	a.formatter = output.NewFormatter(a.outputFormat)
	return nil
}

// simulatorTarget turns a listen address such as ":7401" into a dialable
// tcp:// target.
func simulatorTarget(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "tcp://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "tcp://" + net.JoinHostPort(host, port)
}

func (a *app) connect() (*client.Client, error) {
	return client.Dial(a.target, client.DialConfig{
		Baud:    a.cfg.Serial.Baud,
		Timeout: a.timeout,
	})
}

func (a *app) openSymbols() (*symtab.Store, error) {
	path := a.symbolsDB
	if path == "" {
		var err error
		if path, err = a.cfg.SymbolsPath(); err != nil {
			return nil, err
		}
	}
	return symtab.Open(path)
}

func (a *app) print(cmd *cobra.Command, data any) {
	fmt.Fprint(cmd.OutOrStdout(), a.formatter.Format(data))
}
