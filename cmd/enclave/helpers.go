package main

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var helpersCmd = &cobra.Command{
	Use:   "helpers",
	Short: "Manage the shared helper library",
	Long: `Install and manage Python helper packages exposed to guest code.

Helpers land in the configured helpers directory, which every session sees
mounted read-only at /helpers. Python packages are downloaded directly from
PyPI (no pip required); only pure Python wheels work, since C extensions
cannot run inside the WASM interpreter.

JavaScript helpers are plain .js files: drop them into the helpers directory
by hand and load them with loadHelper("name").`,
}

var helpersInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install pure-Python packages from PyPI",
	Args:  cobra.MinimumNArgs(1),
	Run:   runHelpersInstall,
}

var helpersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed helpers",
	Run:   runHelpersList,
}

var helpersRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove helpers",
	Args:  cobra.MinimumNArgs(1),
	Run:   runHelpersRemove,
}

func init() {
	helpersCmd.AddCommand(helpersInstallCmd, helpersListCmd, helpersRemoveCmd)
	rootCmd.AddCommand(helpersCmd)
}

type pypiURL struct {
	PackageType string `json:"packagetype"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
}

type pypiResponse struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Urls []pypiURL `json:"urls"`
}

// Packages that won't work in WASM (require C extensions, sockets, etc.)
var blockedPackages = map[string]string{
	"numpy":         "requires C extensions",
	"pandas":        "requires C extensions (numpy)",
	"scipy":         "requires C extensions",
	"torch":         "requires C extensions",
	"scikit-learn":  "requires C extensions",
	"matplotlib":    "requires C extensions",
	"pillow":        "requires C extensions",
	"opencv-python": "requires C extensions",
	"psycopg2":      "requires C extensions",
	"cryptography":  "requires C extensions",
	"lxml":          "requires C extensions",
	"grpcio":        "requires C extensions",
	"requests":      "uses sockets (no network capability in the sandbox)",
	"httpx":         "uses sockets (no network capability in the sandbox)",
	"urllib3":       "uses sockets (no network capability in the sandbox)",
	"aiohttp":       "uses sockets (no network capability in the sandbox)",
	"flask":         "requires sockets (web framework not supported)",
	"django":        "requires sockets (web framework not supported)",
	"fastapi":       "requires sockets (web framework not supported)",
}

func helpersDir(cmd *cobra.Command) string {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.Helpers.Dir == "" {
		fatalf("helpers.dir is not configured")
	}
	return cfg.Helpers.Dir
}

func runHelpersInstall(cmd *cobra.Command, args []string) {
	dir := helpersDir(cmd)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fatalf("creating helpers dir: %v", err)
	}

	for _, pkg := range args {
		name := parsePackageSpec(pkg)

		if reason, blocked := blockedPackages[strings.ToLower(name)]; blocked {
			fatalf("%s is not supported in WASM (%s)", name, reason)
		}

		if err := installPackage(name, dir); err != nil {
			fatalf("installing %s: %v", name, err)
		}
	}
	fmt.Println("Done.")
}

func parsePackageSpec(spec string) string {
	// Strip version constraints like "pydantic==2.0" or "attrs>=23".
	for _, op := range []string{">=", "<=", "==", "~=", "!="} {
		if idx := strings.Index(spec, op); idx != -1 {
			return spec[:idx]
		}
	}
	return spec
}

func installPackage(name, destDir string) error {
	fmt.Printf("Installing %s...\n", name)

	url := fmt.Sprintf("https://pypi.org/pypi/%s/json", name)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetching package info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("package not found on PyPI")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PyPI returned status %d", resp.StatusCode)
	}

	var pypi pypiResponse
	if err := json.NewDecoder(resp.Body).Decode(&pypi); err != nil {
		return fmt.Errorf("parsing PyPI response: %w", err)
	}

	wheelURL := findWheel(pypi.Urls)
	if wheelURL == "" {
		return fmt.Errorf("no compatible wheel found (pure Python wheel required)")
	}

	fmt.Printf("  Downloading %s-%s...\n", pypi.Info.Name, pypi.Info.Version)
	wheelResp, err := http.Get(wheelURL)
	if err != nil {
		return fmt.Errorf("downloading wheel: %w", err)
	}
	defer wheelResp.Body.Close()

	tmpFile, err := os.CreateTemp("", "enclave-*.whl")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmpFile, wheelResp.Body); err != nil {
		tmpFile.Close()
		return fmt.Errorf("downloading wheel: %w", err)
	}
	tmpFile.Close()

	fmt.Printf("  Extracting...\n")
	if err := extractWheel(tmpPath, destDir); err != nil {
		return fmt.Errorf("extracting wheel: %w", err)
	}

	return nil
}

func findWheel(urls []pypiURL) string {
	// Only pure Python wheels; C extensions cannot run in WASM.
	for _, u := range urls {
		if u.PackageType != "bdist_wheel" {
			continue
		}

		filename := strings.ToLower(u.Filename)
		if strings.Contains(filename, "-py3-none-any") {
			return u.URL
		}
		if strings.Contains(filename, "-py2.py3-none-any") {
			return u.URL
		}
	}
	return ""
}

func extractWheel(wheelPath, destDir string) error {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return err
	}
	defer r.Close()

	// First pass: reject wheels carrying native code.
	for _, f := range r.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".so") || strings.HasSuffix(name, ".pyd") || strings.HasSuffix(name, ".dylib") {
			return fmt.Errorf("package contains C extensions (%s) which won't work in WASM", filepath.Base(f.Name))
		}
	}

	for _, f := range r.File {
		// Skip .dist-info metadata.
		if strings.Contains(f.Name, ".dist-info/") {
			continue
		}

		destPath := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("wheel entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			os.MkdirAll(destPath, 0o755)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)
		rc.Close()
		outFile.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

func runHelpersList(cmd *cobra.Command, args []string) {
	dir := helpersDir(cmd)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No helpers installed.")
			return
		}
		fatalf("%v", err)
	}

	if len(entries) == 0 {
		fmt.Println("No helpers installed.")
		return
	}

	fmt.Printf("Helpers in %s:\n", dir)
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".dist-info") || strings.HasPrefix(name, "__") {
			continue
		}
		fmt.Printf("  %s\n", name)
	}
}

func runHelpersRemove(cmd *cobra.Command, args []string) {
	dir := helpersDir(cmd)
	for _, pkg := range args {
		if err := os.RemoveAll(filepath.Join(dir, pkg)); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove %s: %v\n", pkg, err)
			continue
		}

		entries, _ := os.ReadDir(dir)
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), pkg) && strings.HasSuffix(entry.Name(), ".dist-info") {
				os.RemoveAll(filepath.Join(dir, entry.Name()))
			}
		}

		fmt.Printf("Removed %s\n", pkg)
	}
}
