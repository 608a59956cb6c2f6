// Springboard CLI - assemble, inspect, run and serve method bundles
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/springboard/asm"
	"github.com/chazu/springboard/bundle"
	"github.com/chazu/springboard/config"
	"github.com/chazu/springboard/profile"
	"github.com/chazu/springboard/server"
	"github.com/chazu/springboard/vm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options are the parsed command line.
type options struct {
	config  string
	asmFile string
	bundle  string
	output  string
	disasm  bool
	entry   string
	serve   bool
	port    int
	verbose bool
	stats   bool
	args    []string
}

func parseFlags(argv []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("spring", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.config, "config", "", "Path to springboard.toml (default: search upward from the working directory)")
	fs.StringVar(&o.asmFile, "asm", "", "Assemble a source file")
	fs.StringVar(&o.bundle, "bundle", "", "Load a bundle file")
	fs.StringVar(&o.output, "o", "", "Write the assembled bundle to this file")
	fs.BoolVar(&o.disasm, "disasm", false, "Print a listing of the loaded bundle")
	fs.StringVar(&o.entry, "m", "", "Method to run; remaining arguments are its arguments")
	fs.BoolVar(&o.serve, "serve", false, "Start the invocation server (Connect + gRPC)")
	fs.IntVar(&o.port, "port", 0, "Invocation server port (default from config)")
	fs.BoolVar(&o.verbose, "v", false, "Verbose output")
	fs.BoolVar(&o.stats, "stats", false, "Print profiler and JIT statistics after running")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: spring [options] [args...]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  spring -asm fib.sasm -o fib.sprb    # Assemble to a bundle\n")
		fmt.Fprintf(stderr, "  spring -bundle fib.sprb -disasm     # List a bundle\n")
		fmt.Fprintf(stderr, "  spring -asm fib.sasm -m fib 30      # Run fib(30)\n")
		fmt.Fprintf(stderr, "  spring -bundle fib.sprb -serve      # Serve on the configured port\n")
	}
	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	o.args = fs.Args()
	if o.asmFile == "" && o.bundle == "" {
		return nil, errors.New("one of -asm or -bundle is required")
	}
	if o.asmFile != "" && o.bundle != "" {
		return nil, errors.New("-asm and -bundle are exclusive")
	}
	if o.output != "" && o.asmFile == "" {
		return nil, errors.New("-o requires -asm")
	}
	return o, nil
}

func run(argv []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(argv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(o.config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	verbosity := cfg.Log.Verbosity
	if o.verbose {
		verbosity++
	}
	logFile := cfg.LogFile()
	var logPath *string
	if logFile != "" {
		logPath = &logFile
	}
	commonlog.Configure(verbosity, logPath)

	b, err := loadBundle(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if o.output != "" {
		if err := bundle.WriteFile(o.output, b); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if o.verbose {
			fmt.Fprintf(stdout, "Wrote %s (%d methods)\n", o.output, len(b.Methods))
		}
	}
	if o.disasm {
		fmt.Fprint(stdout, asm.Listing(b))
	}
	if o.entry == "" && !o.serve {
		return 0
	}

	v, err := vm.New(cfg.VMOptions())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer v.Close()

	linked, err := bundle.Link(v.Methods, b, Natives(stdout))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	store := openProfile(cfg, linked, v)
	if store != nil {
		defer store.Close()
		defer saveProfile(store, linked, v)
	}

	status := 0
	if o.entry != "" {
		status = runEntry(v, linked, o.entry, o.args, stdout, stderr)
	}
	if o.serve && status == 0 {
		port := o.port
		if port == 0 {
			port = cfg.Server.Port
		}
		if err := serve(v, fmt.Sprintf(":%d", port), cfg.Server.Workers); err != nil {
			fmt.Fprintf(stderr, "Server error: %v\n", err)
			status = 1
		}
	}
	if o.stats {
		printStats(stdout, v)
	}
	return status
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.FindAndLoad(".")
}

// loadBundle assembles -asm or reads -bundle.
func loadBundle(o *options) (*bundle.Bundle, error) {
	if o.bundle != "" {
		return bundle.ReadFile(o.bundle)
	}
	f, err := os.Open(o.asmFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	name := strings.TrimSuffix(filepath.Base(o.asmFile), filepath.Ext(o.asmFile))
	b, err := asm.Assemble(name, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.asmFile, err)
	}
	return b, nil
}

// runEntry runs a method with command-line arguments and prints its result.
func runEntry(v *vm.VM, linked *bundle.Linked, entry string, args []string, stdout, stderr io.Writer) int {
	idx, ok := linked.Method(entry)
	if !ok {
		fmt.Fprintf(stderr, "Error: method %q not found (have: %s)\n", entry, strings.Join(asm.Names(linked.Bundle), ", "))
		return 1
	}
	desc, _ := v.Methods.Lookup(idx)
	slots, err := parseArgs(desc.Signature(), args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s: %v\n", entry, err)
		return 2
	}

	result, err := invoke(v, idx, slots)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", describe(err, linked))
		var ie *vm.InternalError
		if errors.As(err, &ie) {
			return 3
		}
		return 1
	}
	if desc.Signature().ReturnsValue() {
		fmt.Fprintln(stdout, vm.FormatSlot(result, desc.Signature().Return))
	}
	return 0
}

// invoke runs a call, converting internal errors to an error value.
func invoke(v *vm.VM, idx vm.MethodIndex, args []vm.Slot) (result vm.Slot, err error) {
	defer vm.Recover(&err)
	return v.Invoke(idx, args...)
}

// describe names the methods in a throw trace.
func describe(err error, linked *bundle.Linked) string {
	thrown, ok := vm.AsThrown(err)
	if !ok {
		return err.Error()
	}
	names := linked.Names()
	var sb strings.Builder
	sb.WriteString("uncaught throw")
	if thrown.Cause != nil {
		sb.WriteString(": " + thrown.Cause.Error())
	} else {
		fmt.Fprintf(&sb, " of ref#%d", thrown.Ref)
	}
	for _, e := range thrown.Trace {
		name := names[e.Method]
		if name == "" {
			name = fmt.Sprintf("#%d", e.Method)
		}
		if e.PC >= 0 {
			fmt.Fprintf(&sb, "\n    at %s pc %d", name, e.PC)
		} else {
			fmt.Fprintf(&sb, "\n    at %s", name)
		}
	}
	return sb.String()
}

// parseArgs converts command-line arguments by parameter kind.
func parseArgs(sig vm.Signature, args []string) ([]vm.Slot, error) {
	if len(args) != sig.Arity() {
		return nil, fmt.Errorf("takes %d arguments, got %d", sig.Arity(), len(args))
	}
	slots := make([]vm.Slot, len(args))
	for i, a := range args {
		switch sig.Params[i] {
		case vm.KindInt:
			n, err := strconv.ParseInt(a, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %q is not an integer", i, a)
			}
			slots[i] = vm.FromInt(n)
		case vm.KindFloat:
			f, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %q is not a float", i, a)
			}
			slots[i] = vm.FromFloat(f)
		case vm.KindReference:
			if a == "null" {
				slots[i] = vm.FromRef(vm.NullRef)
				continue
			}
			n, err := strconv.ParseUint(a, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %q is not a reference", i, a)
			}
			slots[i] = vm.FromRef(vm.Ref(n))
		}
	}
	return slots, nil
}

func openProfile(cfg *config.Config, linked *bundle.Linked, v *vm.VM) *profile.Store {
	if !cfg.Profile.Enabled || v.Profiler() == nil {
		return nil
	}
	store, err := profile.Open(cfg.ProfilePath())
	if err != nil {
		commonlog.GetLogger("springboard").Warning("profile store unavailable", "error", err.Error())
		return nil
	}
	counts, err := store.Load(linked.Hash)
	if err != nil {
		commonlog.GetLogger("springboard").Warning("cannot load profile", "error", err.Error())
		return store
	}
	v.SeedProfile(counts, cfg.Profile.Eager)
	return store
}

func saveProfile(store *profile.Store, linked *bundle.Linked, v *vm.VM) {
	if err := store.Save(linked.Hash, v.ProfileCounts()); err != nil {
		commonlog.GetLogger("springboard").Warning("cannot save profile", "error", err.Error())
	}
}

// serve runs the invocation server until SIGINT or SIGTERM.
func serve(v *vm.VM, addr string, workers int) error {
	srv := server.New(v, workers)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		srv.Stop()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errc
	return err
}

func printStats(w io.Writer, v *vm.VM) {
	p := v.Profiler()
	if p == nil {
		fmt.Fprintln(w, "JIT disabled")
		return
	}
	ps := p.Stats()
	js := v.JIT().Stats()
	fmt.Fprintf(w, "Profiled methods: %d (%d hot), %d invocations\n", ps.TotalMethods, ps.HotMethods, ps.TotalInvocations)
	fmt.Fprintf(w, "Compiled: %d, failed: %d, dropped: %d, compile time: %s\n",
		js.MethodsCompiled, js.Failures, js.Dropped, js.CompilationTime)
	for _, mc := range p.TopMethods(5) {
		desc, err := v.Methods.Lookup(mc.Method)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "  %-20s %10d  %s\n", desc.Name(), mc.Count, desc.State())
	}
}
