package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/enclave/classify"
	"github.com/caffeineduck/enclave/engine"
	"github.com/caffeineduck/enclave/session"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code in the sandbox",
	Long: `Execute Python or JavaScript code in a sandboxed environment.

Code can be provided via:
  - File argument: enclave run script.py
  - Inline flag: enclave run -l python -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | enclave run -l python

Without --session the execution is ephemeral: a throwaway working directory,
no persisted state. With --session, state in the reserved "state" container
carries over between runs of the same session id.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().String("session", "", "Session id (created on first use)")
	runCmd.Flags().Uint64("fuel", 0, "Fuel budget override")
	runCmd.Flags().String("memory", "", "Memory limit override: e.g. 64mb, 1gb")
	runCmd.Flags().Duration("timeout", 0, "Wall-clock timeout override")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	code, _ := cmd.Flags().GetString("code")
	langFlag, _ := cmd.Flags().GetString("lang")
	sessionID, _ := cmd.Flags().GetString("session")
	fuel, _ := cmd.Flags().GetUint64("fuel")
	memory, _ := cmd.Flags().GetString("memory")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var source, filename string
	switch {
	case code != "":
		source = code
	case len(args) > 0:
		filename = args[0]
		data, err := os.ReadFile(filename)
		if err != nil {
			fatalf("reading %s: %v", filename, err)
		}
		source = string(data)
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("reading stdin: %v", err)
		}
		source = string(data)
	}

	lang, err := getLanguage(langFlag, filename)
	if err != nil {
		fatalf("%v", err)
	}

	var memoryBytes int64
	if memory != "" {
		memoryBytes, err = parseMemory(memory)
		if err != nil {
			fatalf("%v", err)
		}
	}

	mgr, _, err := openManager(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	defer mgr.Close()

	res, err := mgr.Execute(context.Background(), session.ExecuteRequest{
		Language:    lang,
		Code:        source,
		SessionID:   sessionID,
		Fuel:        fuel,
		MemoryBytes: memoryBytes,
		Timeout:     timeout,
	})
	if err != nil {
		fatalErr(err)
	}

	printResult(res)
	if res.Failed() {
		os.Exit(1)
	}
}

func printResult(res engine.Result) {
	fmt.Print(res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}

	if report, ok := res.Metadata[classify.MetaErrorGuidance].(*classify.Report); ok {
		fmt.Fprintf(os.Stderr, "\n[%s] %s\n", report.Kind, report.Message)
		for _, step := range report.Remediation {
			fmt.Fprintf(os.Stderr, "  - %s\n", step)
		}
	}

	if fa, ok := res.Metadata[classify.MetaFuelAnalysis].(*classify.FuelAnalysis); ok {
		if fa.Status != classify.FuelEfficient && fa.Status != classify.FuelModerate {
			fmt.Fprintf(os.Stderr, "\nfuel: %s (%.0f%% of budget used). %s\n",
				fa.Status, fa.Utilization*100, fa.Recommendation)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// fatalErr prints classified guidance for engine-level rejections before
// exiting; errors without a taxonomy entry fall back to the raw text.
func fatalErr(err error) {
	if report := session.ReportForError(err); report != nil {
		fmt.Fprintf(os.Stderr, "Error: [%s] %s\n", report.Kind, report.Message)
		for _, step := range report.Remediation {
			fmt.Fprintf(os.Stderr, "  - %s\n", step)
		}
		os.Exit(1)
	}
	fatalf("%v", err)
}
