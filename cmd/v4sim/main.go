// v4sim runs the reference V4 VM behind a v4link Link and serves it over
// TCP, so host tools can be used without hardware.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chazu/v4link/link"
	"github.com/chazu/v4link/manifest"
	"github.com/chazu/v4link/server"
	"github.com/chazu/v4link/vm"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("v4link.sim")

func main() {
	configDir := flag.String("config", "", "Directory holding v4link.toml (default: search upward)")
	listen := flag.String("listen", "", "Listen address (default from [sim] listen)")
	verbose := flag.Int("v", -1, "Log verbosity (default from [log] verbosity)")
	resetOnConnect := flag.Bool("reset-on-connect", false, "Reset the VM whenever a host connects")
	noRelocate := flag.Bool("no-relocate", false, "Do not relocate CALLs in uploaded containers")
	memSize := flag.Int("mem", 0, "VM memory size in bytes (default from [vm] memory-size)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: v4sim [options]\n\n")
		fmt.Fprintf(os.Stderr, "Serves a simulated V4 device over TCP.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  v4sim                        # Serve on :7401\n")
		fmt.Fprintf(os.Stderr, "  v4sim -listen :9000 -v 2     # Debug logging on :9000\n")
		fmt.Fprintf(os.Stderr, "  v4link --port tcp://localhost:7401 ping\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Sim.Listen = *listen
	}
	if *verbose >= 0 {
		cfg.Log.Verbosity = *verbose
	}
	if *memSize > 0 {
		cfg.VM.MemorySize = *memSize
	}
	if *noRelocate {
		off := false
		cfg.Link.Relocate = &off
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.File != "" {
		commonlog.Configure(cfg.Log.Verbosity, &cfg.Log.File)
	} else {
		commonlog.Configure(cfg.Log.Verbosity, nil)
	}

	machine := vm.New(cfg.VMConfig())
	worker := server.NewWorker(machine, link.WithConfig(cfg.LinkConfig()))
	srv := server.New(worker, server.WithResetOnConnect(*resetOnConnect))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Notice("shutting down")
		srv.Close()
	}()

	lc := worker.Config()
	fmt.Printf("V4 simulator listening on %s\n", cfg.Sim.Listen)
	fmt.Printf("  buffer %d bytes, %d words, %d bytes of memory, relocation %v\n",
		lc.BufferSize, machine.Config().MaxWords, machine.MemorySize(), lc.Relocate)

	err = srv.ListenAndServe(cfg.Sim.Listen)
	worker.Stop()
	if err != nil && !errors.Is(err, server.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}
