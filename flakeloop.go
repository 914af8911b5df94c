//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"
)

// outcome is the slice of the JSON report the loop tallies.
type outcome struct {
	Class    string `json:"classification"`
	ExitCode int    `json:"exit_code"`
}

func main() {
	runs := flag.Int("n", 20, "number of runs")
	bin := flag.String("bin", "testcage", "testcage binary to invoke")
	delay := flag.Duration("delay", 0, "pause between runs")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: go run flakeloop.go [-n NUM] [-bin PATH] [-delay DUR] [workspace]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Options:")
		fmt.Fprintln(os.Stderr, "  -n NUM      number of runs (default 20)")
		fmt.Fprintln(os.Stderr, "  -bin PATH   testcage binary to invoke (default \"testcage\")")
		fmt.Fprintln(os.Stderr, "  -delay DUR  pause between runs (default 0)")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Runs the workspace's suite repeatedly and tallies every outcome.")
		fmt.Fprintln(os.Stderr, "A healthy suite converges on one classification; a mixed tally is a flake.")
	}
	flag.Parse()

	workspace := "."
	if args := flag.Args(); len(args) > 0 {
		workspace = args[0]
	}

	workspace, err := filepath.Abs(workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Verify the workspace has a manifest at startup
	if _, err := os.Stat(filepath.Join(workspace, ".testcage.yml")); err != nil {
		fmt.Fprintf(os.Stderr, "error: no .testcage.yml in %s\n", workspace)
		os.Exit(1)
	}

	binPath, err := exec.LookPath(*bin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s not found in PATH (build it first, or pass -bin)\n", *bin)
		os.Exit(1)
	}

	log.SetFlags(log.Ltime)
	log.Printf("flake hunt: %d runs of %s", *runs, workspace)

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tally := make(map[string]int)
	completed := 0

	for i := 1; i <= *runs; i++ {
		// Check for shutdown signal (non-blocking)
		select {
		case <-sigCh:
			log.Printf("interrupted after %d runs", completed)
			summarize(tally, completed)
			os.Exit(130)
		default:
		}

		label, elapsed := runOnce(binPath, workspace)
		tally[label]++
		completed++

		log.Printf("run %d/%d: %s in %s", i, *runs, label, elapsed.Round(time.Millisecond))

		if *delay > 0 {
			time.Sleep(*delay)
		}
	}

	if !summarize(tally, completed) {
		os.Exit(1)
	}
}

// runOnce executes one attempt and returns its tally label.
func runOnce(binPath, workspace string) (string, time.Duration) {
	cmd := exec.Command(binPath, "run", "--json", "--no-commit", "--no-cache")
	cmd.Dir = workspace

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	var res outcome
	if jsonErr := json.Unmarshal(out.Bytes(), &res); jsonErr == nil && res.Class != "" {
		return fmt.Sprintf("%s (exit %d)", res.Class, res.ExitCode), elapsed
	}

	// No report: the run died before producing one. Fold the process exit
	// into the tally so setup trouble is visible too.
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		return "error: " + err.Error(), elapsed
	}

	if msg := strings.TrimSpace(errOut.String()); msg != "" {
		line, _, _ := strings.Cut(msg, "\n")
		log.Printf("  stderr: %s", line)
	}

	return fmt.Sprintf("no report (exit %d)", code), elapsed
}

// summarize prints the outcome distribution. Reports whether the tally is
// clean: every completed run landed on the same classification.
func summarize(tally map[string]int, completed int) bool {
	if completed == 0 {
		log.Printf("no runs completed")
		return false
	}

	labels := make([]string, 0, len(tally))
	for label := range tally {
		labels = append(labels, label)
	}
	slices.Sort(labels)

	log.Printf("outcomes over %d runs:", completed)
	for _, label := range labels {
		log.Printf("  %4d  %s", tally[label], label)
	}

	if len(tally) == 1 {
		log.Printf("verdict: stable (%s)", labels[0])
		return true
	}

	log.Printf("verdict: FLAKY, %d distinct outcomes", len(tally))
	return false
}
