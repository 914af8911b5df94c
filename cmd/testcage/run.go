//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	flag "github.com/spf13/pflag"
)

// Run drives one CLI invocation from raw arguments to exit code.
//
// sigCh may be nil when the caller delivers no signals (tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	opts, rest, err := parseGlobalFlags(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printGlobalHelp(stderr)

		return 1
	}

	// Version is answerable without touching config files.
	if opts.version {
		printVersion(stdout)

		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Config problems surface even on --help, so a broken setup is never
	// silently ignored.
	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: opts.cwd,
		ConfigPath:      opts.config,
		Env:             env,
	})
	if err != nil {
		return fail(stderr, err)
	}

	commands := []*Command{
		RunCmd(&cfg, env),
		CheckCmd(&cfg, env),
		InstallCmd(&cfg, env),
	}

	if opts.help || len(rest) == 0 {
		printUsage(stdout, commands)

		return 0
	}

	cmd, cmdArgs := dispatch(commands, rest)

	// The command runs in a goroutine so the caller's signals can interrupt
	// it through context cancellation.
	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, stdin, stdout, stderr, cmdArgs)
	}()

	if sigCh == nil {
		return <-done
	}

	return superviseSignals(done, sigCh, stderr, cancel)
}

type globalOptions struct {
	help    bool
	version bool
	cwd     string
	config  string
}

func parseGlobalFlags(args []string) (globalOptions, []string, error) {
	fs := flag.NewFlagSet("testcage", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.Usage = func() {}
	fs.SetOutput(io.Discard)

	var opts globalOptions

	fs.BoolVarP(&opts.help, "help", "h", false, "Show help and exit")
	fs.BoolVarP(&opts.version, "version", "v", false, "Show version and exit")
	fs.StringVarP(&opts.cwd, "cwd", "C", "", "Run as if started in `dir`")
	fs.StringVar(&opts.config, "config", "", "Load config from `file` instead of the default locations")

	err := fs.Parse(args)
	if err != nil {
		return globalOptions{}, nil, err
	}

	return opts, fs.Args(), nil
}

// dispatch resolves args[0] to a command. An unrecognized name is workspace
// shorthand for run, which receives the argument list untouched.
func dispatch(commands []*Command, args []string) (*Command, []string) {
	for _, cmd := range commands {
		if cmd.Name() == args[0] || slices.Contains(cmd.Aliases, args[0]) {
			return cmd, args[1:]
		}
	}

	// run is first in the command list.
	return commands[0], args
}

// superviseSignals waits out the command, granting a grace window after the
// first interrupt and bailing on the second.
func superviseSignals(done <-chan int, sigCh <-chan os.Signal, stderr io.Writer, cancel context.CancelFunc) int {
	select {
	case code := <-done:
		return code
	case <-sigCh:
		fprintln(stderr, "Interrupted, giving cleanup up to 10s... (Ctrl+C again to exit immediately)")
		cancel()
	}

	select {
	case <-done:
		fprintln(stderr, "Cleanup finished.")
	case <-time.After(10 * time.Second):
		fprintln(stderr, "Cleanup timed out, exiting.")
	case <-sigCh:
		fprintln(stderr, "Exiting now.")
	}

	return 130
}

func printVersion(stdout io.Writer) {
	if commit == "none" && date == "unknown" {
		fprintf(stdout, "testcage %s (built from source)\n", version)

		return
	}

	fprintf(stdout, "testcage %s (%s, %s)\n", version, commit, date)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func fprintf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}

const (
	ansiRed   = "\033[31m"
	ansiReset = "\033[0m"
)

// fprintError writes err prefixed with "error:", in red when stdin is a TTY.
func fprintError(w io.Writer, err error) {
	prefix := "error:"
	if IsTerminal() {
		prefix = ansiRed + prefix + ansiReset
	}

	fprintln(w, prefix, err)
}

// fail reports err on stderr and returns the generic failure code.
func fail(stderr io.Writer, err error) int {
	fprintError(stderr, err)

	return 1
}

const globalFlagsHelp = `  -h, --help             Show help and exit
  -v, --version          Show version and exit
  -C, --cwd <dir>        Run as if started in <dir>
      --config <file>    Load config from <file> instead of the default locations`

func printGlobalHelp(w io.Writer) {
	fprintln(w, "Usage: testcage [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalFlagsHelp)
	fprintln(w)
	fprintln(w, "Run 'testcage --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "testcage - sandboxed, reproducible build-and-test runs")
	fprintln(w)
	fprintln(w, "Usage: testcage [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalFlagsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}

	fprintln(w)
	fprintln(w, "Run 'testcage <command> --help' for more information on a command.")
}

// stdinIsTerminal is swappable in tests.
var stdinIsTerminal = func() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeCharDevice != 0
}

// IsTerminal reports whether stdin is attached to a terminal.
func IsTerminal() bool {
	return stdinIsTerminal()
}
