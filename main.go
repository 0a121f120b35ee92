package main

import (
	"context"
	"fmt"
	"os"

	"pihost/app"
	"pihost/conformance"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	cmd := "discover"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "discover":
		err = runDiscover(ctx)
	case "conformance":
		err = runConformance(ctx, hasFlag("--tui"))
	default:
		fmt.Fprintf(os.Stderr, "usage: pihost [discover|conformance [--tui]]\n")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pihost: %v\n", err)
		os.Exit(1)
	}
}

func hasFlag(name string) bool {
	for _, a := range os.Args[2:] {
		if a == name {
			return true
		}
	}
	return false
}

// runDiscover boots the application, discovers extensions under the
// builtin "engine/extensions" directory plus the configured user
// extensions directory, loads each one, and prints a status line per
// extension.
func runDiscover(ctx context.Context) error {
	application, err := app.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer application.Close()

	descs, err := application.DiscoverAndLoad(ctx, "engine/extensions")
	if err != nil {
		return fmt.Errorf("discover and load: %w", err)
	}
	if len(os.Args) > 2 {
		application.FlagSink.Parse(os.Args[2:])
	}

	if len(descs) == 0 {
		fmt.Println("no extensions found")
		return nil
	}
	for _, d := range descs {
		if d.Err != nil {
			fmt.Printf("%-24s %-10s %v\n", d.Name, d.State, d.Err)
			continue
		}
		fmt.Printf("%-24s %-10s\n", d.Name, d.State)
	}
	return nil
}

// runConformance runs the conformance harness against a scratch directory
// under the configured reports dir and prints a Markdown report, or drives
// a live terminal view of the run when tui is true.
func runConformance(ctx context.Context, tui bool) error {
	application, err := app.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer application.Close()

	scratchRoot, err := os.MkdirTemp(application.Config.ReportsDir, "run-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchRoot)

	runID := application.SessionID

	if tui {
		program := conformance.NewProgram(ctx, scratchRoot, runID)
		finalModel, err := program.Run()
		if err != nil {
			return fmt.Errorf("run tui: %w", err)
		}
		report := finalModel.(interface{ Report() *conformance.Report }).Report()
		return writeReport(application.Config.ReportsDir, report)
	}

	report := conformance.Run(ctx, scratchRoot, runID)
	fmt.Print(report.RenderTerminal(100))
	return writeReport(application.Config.ReportsDir, report)
}

func writeReport(reportsDir string, report *conformance.Report) error {
	path := reportsDir + "/" + report.RunID + ".md"
	if err := os.WriteFile(path, []byte(report.Markdown()), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if !report.Passed() {
		return fmt.Errorf("%d case(s) failed, see %s", report.FailureCount(), path)
	}
	return nil
}
