package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url> <name>",
	Short: "Download an interpreter artifact",
	Long: `Download a WASM interpreter artifact into the artifact directory.

The file is saved under runtimes.artifact_dir with the given name, so a
config entry with that path picks it up on the next start. Existing files
are left untouched; use --force to re-download.

Example:
  enclave fetch https://example.com/python-3.12.wasm python.wasm`,
	Args: cobra.ExactArgs(2),
	Run:  runFetch,
}

func init() {
	fetchCmd.Flags().Bool("force", false, "Overwrite an existing artifact")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) {
	url, name := args[0], args[1]
	force, _ := cmd.Flags().GetBool("force")

	cfg, err := loadConfig(cmd)
	if err != nil {
		fatalf("%v", err)
	}

	if filepath.Base(name) != name {
		fatalf("artifact name must be a bare filename, got %q", name)
	}
	output := filepath.Join(cfg.Runtimes.ArtifactDir, name)

	if _, err := os.Stat(output); err == nil && !force {
		fmt.Printf("%s already exists, skipping (use --force to overwrite)\n", output)
		return
	}

	if err := os.MkdirAll(cfg.Runtimes.ArtifactDir, 0o755); err != nil {
		fatalf("creating artifact dir: %v", err)
	}

	fmt.Printf("Fetching %s...\n", url)
	resp, err := http.Get(url)
	if err != nil {
		fatalf("%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fatalf("download failed: %s", resp.Status)
	}

	// Write to a temp file first so a partial download never shadows the
	// artifact path the loader reads.
	tmp, err := os.CreateTemp(cfg.Runtimes.ArtifactDir, ".fetch-*")
	if err != nil {
		fatalf("%v", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		fatalf("%v", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, output); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Saved %s (%d bytes)\n", output, n)
}
