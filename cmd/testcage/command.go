//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit signals a non-zero exit where the command has already
// produced its own output. The runner exits 1 without printing anything.
var ErrSilentExit = errors.New("silent exit")

// ExitCodeError carries a specific process exit code out of a command.
// When Err is set the runner prints it before exiting; otherwise the exit
// is silent because the command already rendered its result.
type ExitCodeError struct {
	Code int
	Err  error
}

// NewExitCodeError returns a silent exit with the given code.
func NewExitCodeError(code int) *ExitCodeError {
	return &ExitCodeError{Code: code}
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}

	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// Command is one subcommand of the CLI.
type Command struct {
	// Flags is the command's flag set. Parsed by Run before Exec is called;
	// every command registers its own --help.
	Flags *flag.FlagSet

	// Usage is the one-line usage string, starting with the command name
	// (e.g. "run [flags]").
	Usage string

	// Short is the summary shown in the global command list.
	Short string

	// Long is the full description shown by <command> --help.
	Long string

	// Aliases are alternative names that dispatch to this command.
	Aliases []string

	// Exec runs the command. A nil return exits 0.
	Exec func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name returns the command name (the first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the line for this command in the global help output.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-10s %s", c.Name(), c.Short)
}

// Run parses flags, handles --help, executes the command, and converts its
// error into a process exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(io.Discard)

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		c.printHelp(stderr)

		return 1
	}

	if help, _ := c.Flags.GetBool("help"); help {
		c.printHelp(stdout)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err == nil {
		return 0
	}

	exitErr := &ExitCodeError{}
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fprintError(stderr, exitErr.Err)
		}

		return exitErr.Code
	}

	if errors.Is(err, ErrSilentExit) {
		return 1
	}

	return fail(stderr, err)
}

func (c *Command) printHelp(w io.Writer) {
	fprintln(w, "Usage: testcage "+c.Usage)
	fprintln(w)
	fprintln(w, c.Long)
	fprintln(w)
	fprintln(w, "Flags:")
	fprintf(w, "%s", c.Flags.FlagUsages())
}
