package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/enclave/session"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session with persistent state",
	Long: `Start an interactive loop bound to one session.

Values assigned into the reserved "state" container persist between inputs
(and between repl invocations when --session names an existing id).

Features:
  - Command history (up/down arrows)
  - Line editing and history search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end, or press Ctrl+D. The session is destroyed on
exit unless --keep is set.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().String("session", "", "Session id to bind (default: new session)")
	replCmd.Flags().Bool("keep", false, "Keep the session alive after exit")
	replCmd.Flags().String("history", "", "History file path (default: ~/.enclave_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) {
	langFlag, _ := cmd.Flags().GetString("lang")
	sessionID, _ := cmd.Flags().GetString("session")
	keep, _ := cmd.Flags().GetBool("keep")
	historyFile, _ := cmd.Flags().GetString("history")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".enclave_history")
	}

	lang, err := getLanguage(langFlag, "")
	if err != nil {
		fatalf("%v", err)
	}

	mgr, _, err := openManager(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	created := false
	if sessionID == "" {
		info, err := mgr.CreateSession(ctx, session.CreateRequest{Language: lang})
		if err != nil {
			fatalf("create session: %v", err)
		}
		sessionID = info.ID
		created = true
	}
	if created && !keep {
		defer mgr.DestroySession(ctx, sessionID)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      ">>> ",
		HistoryFile: historyFile,
	})
	if err != nil {
		fatalf("%v", err)
	}
	defer rl.Close()

	fmt.Printf("enclave %s session %s (exit or Ctrl+D to quit)\n", lang, sessionID)

	var pending []string
	for {
		if len(pending) > 0 {
			rl.SetPrompt("... ")
		} else {
			rl.SetPrompt(">>> ")
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			pending = nil
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		if strings.HasSuffix(line, "\\") {
			pending = append(pending, strings.TrimSuffix(line, "\\"))
			continue
		}
		pending = append(pending, line)
		input := strings.Join(pending, "\n")
		pending = nil

		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		if trimmed == "exit" || trimmed == "quit" {
			break
		}

		res, err := mgr.Execute(ctx, session.ExecuteRequest{
			Language:  lang,
			Code:      input,
			SessionID: sessionID,
		})
		if err != nil {
			if report := session.ReportForError(err); report != nil {
				fmt.Fprintf(os.Stderr, "Error: [%s] %s\n", report.Kind, report.Message)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			continue
		}
		printResult(res)
	}
}
