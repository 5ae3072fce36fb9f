package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Run:   runSessionsList,
}

var sessionsInfoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	Run:   runSessionsInfo,
}

var sessionsDestroyCmd = &cobra.Command{
	Use:   "destroy <id>",
	Short: "Destroy a session and its working directory",
	Args:  cobra.ExactArgs(1),
	Run:   runSessionsDestroy,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsInfoCmd, sessionsDestroyCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) {
	mgr, _, err := openManager(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	defer mgr.Close()

	infos, err := mgr.ListSessions(context.Background(), "")
	if err != nil {
		fatalf("%v", err)
	}
	if len(infos) == 0 {
		fmt.Println("No sessions.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLANGUAGE\tEXECS\tLAST ACTIVE\tEXPIRES")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			info.ID, info.Language, info.ExecutionCount,
			info.LastActiveAt.Format(time.RFC3339),
			info.ExpiresAt.Format(time.RFC3339))
	}
	w.Flush()
}

func runSessionsInfo(cmd *cobra.Command, args []string) {
	mgr, _, err := openManager(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	defer mgr.Close()

	info, err := mgr.SessionInfo(context.Background(), args[0])
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("id:           %s\n", info.ID)
	fmt.Printf("language:     %s\n", info.Language)
	fmt.Printf("created:      %s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Printf("last active:  %s\n", info.LastActiveAt.Format(time.RFC3339))
	fmt.Printf("expires:      %s\n", info.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("executions:   %d\n", info.ExecutionCount)
	fmt.Printf("auto-persist: %t\n", info.AutoPersist)
	fmt.Printf("fuel:         %d\n", info.Fuel)
	fmt.Printf("memory:       %d bytes\n", info.MemoryBytes)
	fmt.Printf("timeout:      %s\n", info.Timeout)
}

func runSessionsDestroy(cmd *cobra.Command, args []string) {
	mgr, _, err := openManager(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	defer mgr.Close()

	if err := mgr.DestroySession(context.Background(), args[0]); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Destroyed %s\n", args[0])
}
