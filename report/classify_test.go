package report_test

import (
	"testing"

	"github.com/testcage/testcage/report"
)

func Test_Classify_AppliesOrderedMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome report.Outcome
		want    report.Classification
	}{
		{
			name:    "timeout wins over the kill signal",
			outcome: report.Outcome{ExitCode: -1, Signal: 9, TimedOut: true},
			want:    report.Timeout,
		},
		{
			name:    "timeout wins even over a clean exit",
			outcome: report.Outcome{ExitCode: 0, TimedOut: true},
			want:    report.Timeout,
		},
		{
			name:    "signal without timeout is a crash",
			outcome: report.Outcome{ExitCode: -1, Signal: 11},
			want:    report.Crashed,
		},
		{
			name:    "sigterm from outside the harness is a crash",
			outcome: report.Outcome{ExitCode: -1, Signal: 15},
			want:    report.Crashed,
		},
		{
			name:    "zero exit passes",
			outcome: report.Outcome{},
			want:    report.TestsPassed,
		},
		{
			name:    "non-zero exit fails",
			outcome: report.Outcome{ExitCode: 1},
			want:    report.TestsFailed,
		},
		{
			name:    "exit 255 still just fails",
			outcome: report.Outcome{ExitCode: 255},
			want:    report.TestsFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := report.Classify(tt.outcome); got != tt.want {
				t.Fatalf("Classify(%+v) = %q, want %q", tt.outcome, got, tt.want)
			}
		})
	}
}

func Test_Classify_IsTotal_AcrossOutcomeSweep(t *testing.T) {
	t.Parallel()

	terminal := map[report.Classification]bool{
		report.TestsPassed: true,
		report.TestsFailed: true,
		report.Timeout:     true,
		report.Crashed:     true,
	}

	for _, exit := range []int{-1, 0, 1, 2, 101, 128, 255} {
		for _, sig := range []int{0, 6, 9, 11, 15} {
			for _, timedOut := range []bool{false, true} {
				o := report.Outcome{ExitCode: exit, Signal: sig, TimedOut: timedOut}
				got := report.Classify(o)

				if !terminal[got] {
					t.Fatalf("Classify(%+v) = %q, not a terminal invocation classification", o, got)
				}

				switch {
				case timedOut && got != report.Timeout:
					t.Fatalf("Classify(%+v) = %q, want %q", o, got, report.Timeout)
				case !timedOut && sig != 0 && got != report.Crashed:
					t.Fatalf("Classify(%+v) = %q, want %q", o, got, report.Crashed)
				case !timedOut && sig == 0 && exit == 0 && got != report.TestsPassed:
					t.Fatalf("Classify(%+v) = %q, want %q", o, got, report.TestsPassed)
				case !timedOut && sig == 0 && exit != 0 && got != report.TestsFailed:
					t.Fatalf("Classify(%+v) = %q, want %q", o, got, report.TestsFailed)
				}
			}
		}
	}
}

func Test_ExitCode_IsDistinct_PerClassification(t *testing.T) {
	t.Parallel()

	want := map[report.Classification]int{
		report.TestsPassed:          0,
		report.ToolchainUnavailable: 10,
		report.VersionMismatch:      11,
		report.SandboxSetupError:    12,
		report.PrivilegeDropFailed:  13,
		report.BuildFailure:         20,
		report.TestsFailed:          21,
		report.Timeout:              22,
		report.Crashed:              23,
		report.CommitFailed:         30,
	}

	seen := map[int]report.Classification{}
	for class, code := range want {
		got := class.ExitCode()
		if got != code {
			t.Errorf("%q.ExitCode() = %d, want %d", class, got, code)
		}

		if prev, dup := seen[got]; dup {
			t.Errorf("exit code %d shared by %q and %q", got, prev, class)
		}
		seen[got] = class
	}
}

func Test_ExitCode_FallsBackToInternalError_ForUnknownClassification(t *testing.T) {
	t.Parallel()

	if got := report.Classification("nonsense").ExitCode(); got != 1 {
		t.Fatalf("ExitCode() = %d, want 1", got)
	}
}

func Test_Invocation_Outcome_CarriesClassificationInputs(t *testing.T) {
	t.Parallel()

	inv := report.Invocation{
		Phase:    report.PhaseTest,
		Argv:     []string{"go", "test", "./..."},
		ExitCode: 2,
		Signal:   9,
		TimedOut: true,
	}

	want := report.Outcome{ExitCode: 2, Signal: 9, TimedOut: true}
	if got := inv.Outcome(); got != want {
		t.Fatalf("Outcome() = %+v, want %+v", got, want)
	}
}
