// shf is a command-line client for shared hash file instances.
//
// Usage:
//
//	shf [flags] <name>                   Start an interactive shell
//	shf [flags] <name> <command> [args]  Run one command and exit
//
// The instance lives at <dir>/<name>.shf and is created on first use unless
// --existing is given. See 'help' inside the shell for commands.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shf/pkg/shf"
)

func main() {
	// Must come first: DeleteOnExit re-executes this binary as the watchdog.
	if shf.RunWatchdogFromEnv() {
		return
	}

	os.Exit(run(os.Stdin, os.Stdout, os.Stderr, os.Args, envMap(os.Environ())))
}

func envMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))

	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	return env
}

type cliFlags struct {
	dir          string
	configPath   string
	keyLen       int
	valueLen     int
	slack        int
	maxLockSpins int
	verbosity    string
	noLock       bool
	deleteOnExit bool
	existing     bool
	printConfig  bool
}

func newFlagSet(f *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("shf", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)

	fs.StringVarP(&f.dir, "dir", "d", "", "directory holding the instance (default from config, else /dev/shm)")
	fs.StringVarP(&f.configPath, "config", "c", "", "use the specified config file")
	fs.IntVarP(&f.keyLen, "key-len", "k", 0, "fixed key length in bytes (0 = variable)")
	fs.IntVarP(&f.valueLen, "value-len", "l", 0, "fixed value length in bytes (0 = variable)")
	fs.IntVar(&f.slack, "slack", 0, "segment growth multiplier")
	fs.IntVar(&f.maxLockSpins, "max-lock-spins", 0, "use the bounded writer lock with this spin budget")
	fs.StringVarP(&f.verbosity, "verbosity", "v", "", "log level: debug, info, warn, error")
	fs.BoolVar(&f.noLock, "no-lock", false, "disable window locking (single-threaded use only)")
	fs.BoolVar(&f.deleteOnExit, "delete-on-exit", false, "remove the instance when this process exits")
	fs.BoolVar(&f.existing, "existing", false, "fail instead of creating a missing instance")
	fs.BoolVar(&f.printConfig, "print-config", false, "print the resolved configuration and exit")

	return fs
}

// run is the testable entry point. It returns the process exit code.
func run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string) int {
	var f cliFlags

	fs := newFlagSet(&f)

	err := fs.Parse(args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, fs)

			return 0
		}

		fmt.Fprintln(errOut, "error:", err)
		printUsage(errOut, fs)

		return 1
	}

	cfg, sources, err := LoadConfig(f.configPath, env)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	cfg = applyFlags(cfg, fs, f)

	if f.printConfig {
		return printConfig(out, errOut, cfg, sources)
	}

	level, err := parseLevel(cfg.Verbosity)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(errOut, "error: missing instance name")
		printUsage(errOut, fs)

		return 1
	}

	opts := shf.Options{
		Dir:            cfg.Dir,
		Name:           fs.Arg(0),
		DisableLocking: f.noLock,
		MaxLockSpins:   cfg.MaxLockSpins,
		KeyLen:         f.keyLen,
		ValueLen:       f.valueLen,
		GrowthSlack:    cfg.GrowthSlack,
		DeleteOnExit:   f.deleteOnExit,
		Logger:         slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	attach := shf.Attach
	if f.existing {
		attach = shf.AttachExisting
	}

	store, err := attach(opts)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = store.Close() }()

	store.SetVerbosity(level)

	sh := newShell(store, out)

	if fs.NArg() > 1 {
		err = sh.exec(fs.Args()[1:])
		if err != nil && !errors.Is(err, errQuit) {
			fmt.Fprintln(errOut, "error:", err)

			return 1
		}

		return 0
	}

	err = sh.repl(in, historyPath(cfg, env))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

// applyFlags overrides config values with flags that were set explicitly.
func applyFlags(cfg Config, fs *flag.FlagSet, f cliFlags) Config {
	if fs.Changed("dir") {
		cfg.Dir = f.dir
	}

	if fs.Changed("slack") {
		cfg.GrowthSlack = f.slack
	}

	if fs.Changed("max-lock-spins") {
		cfg.MaxLockSpins = f.maxLockSpins
	}

	if fs.Changed("verbosity") {
		cfg.Verbosity = f.verbosity
	}

	return cfg
}

func historyPath(cfg Config, env map[string]string) string {
	if cfg.History != "" {
		return cfg.History
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".shf_history")
	}

	return ""
}

func printConfig(out, errOut io.Writer, cfg Config, sources ConfigSources) int {
	formatted, err := FormatConfig(cfg)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	fmt.Fprintln(out, formatted)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "# sources")

	if sources.Global == "" && sources.Explicit == "" {
		fmt.Fprintln(out, "(defaults only)")
	}

	if sources.Global != "" {
		fmt.Fprintln(out, "global_config="+sources.Global)
	}

	if sources.Explicit != "" {
		fmt.Fprintln(out, "explicit_config="+sources.Explicit)
	}

	return 0
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, `shf - shared hash file client

Usage:
  shf [flags] <name>                   Start an interactive shell
  shf [flags] <name> <command> [args]  Run one command and exit

Flags:`)
	fmt.Fprint(w, fs.FlagUsages())
}
