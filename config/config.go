// Package config handles springboard.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/chazu/springboard/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "springboard.toml"

// Config represents a springboard.toml file.
type Config struct {
	Stack   Stack   `toml:"stack"`
	JIT     JIT     `toml:"jit"`
	Profile Profile `toml:"profile"`
	Server  Server  `toml:"server"`
	Log     Log     `toml:"log"`
	Debug   Debug   `toml:"debug"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Stack sizes managed stacks.
type Stack struct {
	Slots int `toml:"slots"`
	Depth int `toml:"depth"` // nested calls per stack
}

// JIT configures profiling and background compilation.
type JIT struct {
	Enabled   bool   `toml:"enabled"`
	Threshold uint64 `toml:"threshold"`
	Queue     int    `toml:"queue"`
	Workers   int    `toml:"workers"`
	Backend   string `toml:"backend"`
}

// Profile configures persisted invocation counts.
type Profile struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	// Eager compiles methods that were already hot in a previous run as
	// soon as their counts are loaded.
	Eager bool `toml:"eager"`
}

// Server configures the invocation server.
type Server struct {
	Port    int `toml:"port"`
	Workers int `toml:"workers"`
}

// Log configures logging. Verbosity 0 logs errors and warnings only.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Debug holds checks that are too costly to leave on.
type Debug struct {
	VerifyContract bool `toml:"verify_contract"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	opts := vm.DefaultOptions()
	return &Config{
		Stack: Stack{Slots: opts.StackSlots, Depth: opts.MaxDepth},
		JIT: JIT{
			Enabled:   opts.JIT,
			Threshold: opts.HotThreshold,
			Queue:     opts.JITQueue,
			Workers:   opts.JITWorkers,
			Backend:   opts.Backend,
		},
		Profile: Profile{Path: filepath.Join(".springboard", "profile.db")},
		Server:  Server{Port: 4567, Workers: 4},
		Log:     Log{Verbosity: 1},
	}
}

// Load parses springboard.toml from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a configuration file. Keys the file leaves out keep their
// Default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a springboard.toml file, then
// loads it. It returns Default() with Dir set to startDir if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	start := dir

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			c := Default()
			c.Dir = start
			return c, nil
		}
		dir = parent
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Stack.Slots <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("stack.slots must be positive, got %d", c.Stack.Slots))
	}
	if c.Stack.Depth <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("stack.depth must be positive, got %d", c.Stack.Depth))
	}
	switch c.JIT.Backend {
	case vm.BackendThreaded, vm.BackendNone:
	default:
		errs = multierror.Append(errs, fmt.Errorf("jit.backend must be %q or %q, got %q",
			vm.BackendThreaded, vm.BackendNone, c.JIT.Backend))
	}
	if c.JIT.Threshold == 0 {
		errs = multierror.Append(errs, fmt.Errorf("jit.threshold must be positive"))
	}
	if c.JIT.Queue <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("jit.queue must be positive, got %d", c.JIT.Queue))
	}
	if c.JIT.Workers <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("jit.workers must be positive, got %d", c.JIT.Workers))
	}
	if c.Profile.Enabled && c.Profile.Path == "" {
		errs = multierror.Append(errs, fmt.Errorf("profile.path is required when profiles are enabled"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.Workers <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers))
	}
	if c.Log.Verbosity < 0 {
		errs = multierror.Append(errs, fmt.Errorf("log.verbosity must not be negative"))
	}
	return errs.ErrorOrNil()
}

// VMOptions converts the configuration to VM options.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		StackSlots:     c.Stack.Slots,
		MaxDepth:       c.Stack.Depth,
		JIT:            c.JIT.Enabled,
		HotThreshold:   c.JIT.Threshold,
		JITQueue:       c.JIT.Queue,
		JITWorkers:     c.JIT.Workers,
		Backend:        c.JIT.Backend,
		VerifyContract: c.Debug.VerifyContract,
	}
}

// ProfilePath returns the profile database path, resolved against Dir.
func (c *Config) ProfilePath() string {
	if filepath.IsAbs(c.Profile.Path) || c.Dir == "" {
		return c.Profile.Path
	}
	return filepath.Join(c.Dir, c.Profile.Path)
}

// LogFile returns the log file path resolved against Dir, or "" for stderr.
func (c *Config) LogFile() string {
	if c.Log.File == "" || filepath.IsAbs(c.Log.File) || c.Dir == "" {
		return c.Log.File
	}
	return filepath.Join(c.Dir, c.Log.File)
}
