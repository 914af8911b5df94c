//go:build linux

package main

import (
	"context"
	"io"

	flag "github.com/spf13/pflag"
)

// InstallCmd creates the install command: provision the pinned toolchain
// without running anything.
func InstallCmd(cfg *Config, _ map[string]string) *Command {
	flags := flag.NewFlagSet("install", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("manifest", "", "Use specified manifest `file`")
	flags.Bool("debug", false, "Print installer details to stderr")

	return &Command{
		Flags:   flags,
		Usage:   "install [flags]",
		Short:   "Install the manifest's pinned toolchain",
		Long: "Resolve the toolchain pinned by the manifest (or TESTCAGE_TOOLCHAIN /\n" +
			"TESTCAGE_TOOLCHAIN_VERSION) and run its configured installer, then verify\n" +
			"the pin. The same code path runs for `run --install`. Useful for baking\n" +
			"images ahead of time. Exits 10 when the toolchain cannot be installed,\n" +
			"11 when the installed binary reports the wrong version.",
		Aliases: []string{},
		Exec: func(ctx context.Context, _ io.Reader, stdout, stderr io.Writer, _ []string) error {
			debugEnabled, _ := flags.GetBool("debug")

			debug := NewDebugLogger(nil)
			if debugEnabled || cfg.Debug {
				debug = NewDebugLogger(stderr)
			}

			manifestPath, _ := flags.GetString("manifest")

			manifest, _, err := LoadManifest(cfg.EffectiveCwd, manifestPath)
			if err != nil {
				return err
			}

			spec := toolchainSpecFrom(cfg, manifest)
			spec.Debugf = debug.Debugf()

			tc, err := spec.Install(ctx)
			if err != nil {
				return &ExitCodeError{Code: classifyToolchainError(err).ExitCode(), Err: err}
			}

			fprintf(stdout, "%s %s installed at %s\n", tc.Spec.Name, tc.Spec.Version, tc.Path)

			return nil
		},
	}
}
