package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/enclave/config"
	"github.com/caffeineduck/enclave/runtime"
	"github.com/caffeineduck/enclave/session"
)

var rootCmd = &cobra.Command{
	Use:   "enclave",
	Short: "Capability-restricted WASM sandbox with sessions",
	Long: `enclave - Run untrusted Python and JavaScript inside a capability-restricted
WebAssembly sandbox, with fuel and memory budgets and session-scoped state.

Guest code sees exactly two filesystem roots: /workspace (read-write, per
session) and /helpers (read-only, shared vendored helpers). Nothing else.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: $XDG_CONFIG_HOME/enclave/config.yaml)")
	rootCmd.PersistentFlags().StringP("lang", "l", "", "Language: python, js (default: auto-detect from filename)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = defaultConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "enclave", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "enclave", "config.yaml")
}

// openManager loads runtimes and builds a session manager. Callers must
// Close() the manager.
func openManager(cmd *cobra.Command) (*session.Manager, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	reg, err := runtime.LoadAll(cfg.Runtimes)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := session.NewManager(reg, cfg)
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func getLanguage(langFlag, filename string) (string, error) {
	lang := langFlag

	if lang == "" && filename != "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".py":
			lang = "python"
		case ".js", ".mjs":
			lang = "js"
		}
	}

	switch lang {
	case "python", "py":
		return "python", nil
	case "js", "javascript":
		return "javascript", nil
	case "":
		return "", fmt.Errorf("language required: use --lang python or --lang js")
	default:
		return "", fmt.Errorf("unknown language %q: use python or js", lang)
	}
}

// parseMemory parses sizes like "64mb" or "1gb" into bytes.
func parseMemory(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	var mult int64
	switch {
	case strings.HasSuffix(s, "gb"):
		mult, s = 1<<30, strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		mult, s = 1<<20, strings.TrimSuffix(s, "mb")
	default:
		return 0, fmt.Errorf("invalid memory size %q (expected e.g. 64mb, 1gb)", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	return n * mult, nil
}
