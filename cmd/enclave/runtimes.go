package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/enclave/runtime"
)

var runtimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "List loaded guest runtimes",
	Run:   runRuntimes,
}

func init() {
	rootCmd.AddCommand(runtimesCmd)
}

func runRuntimes(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	reg, err := runtime.LoadAll(cfg.Runtimes)
	if err != nil {
		fatalf("%v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LANGUAGE\tVERSION\tCAPABILITIES")
	for _, info := range reg.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Language, info.Version, strings.Join(info.Capabilities, ","))
	}
	w.Flush()
}
