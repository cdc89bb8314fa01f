// Package tools installs pinned static binaries into the hermit tools
// directory so they can be ro-bind mounted into the sandbox.
package tools

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Static binary URLs (x86_64 Linux).
var toolURLs = map[string]string{
	"gh":  "https://github.com/cli/cli/releases/download/v2.65.0/gh_2.65.0_linux_amd64.tar.gz",
	"jq":  "https://github.com/jqlang/jq/releases/download/jq-1.7.1/jq-linux-amd64",
	"yq":  "https://github.com/mikefarah/yq/releases/download/v4.44.1/yq_linux_amd64",
	"rg":  "https://github.com/BurntSushi/ripgrep/releases/download/14.1.0/ripgrep-14.1.0-x86_64-unknown-linux-musl.tar.gz",
	"fd":  "https://github.com/sharkdp/fd/releases/download/v10.2.0/fd-v10.2.0-x86_64-unknown-linux-musl.tar.gz",
	"fzf": "https://github.com/junegunn/fzf/releases/download/v0.56.3/fzf-0.56.3-linux_amd64.tar.gz",
}

// Available returns the installable tool names, sorted.
func Available() []string {
	names := make([]string, 0, len(toolURLs))
	for name := range toolURLs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install downloads a tool into toolsDir and marks it executable. Tarballs
// are unpacked in-stream; only the tool binary itself is extracted.
func Install(ctx context.Context, name, toolsDir string) (string, error) {
	url, ok := toolURLs[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q (available: %s)", name, strings.Join(Available(), ", "))
	}
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", name, resp.Status)
	}

	dest := filepath.Join(toolsDir, name)
	if strings.HasSuffix(url, ".tar.gz") {
		if err := extractBinary(resp.Body, name, dest); err != nil {
			return "", fmt.Errorf("extract %s: %w", name, err)
		}
	} else {
		if err := writeFile(dest, resp.Body); err != nil {
			return "", err
		}
	}
	if err := os.Chmod(dest, 0o755); err != nil {
		return "", err
	}
	return dest, nil
}

// extractBinary streams a gzipped tarball and writes the first member whose
// base name matches the tool to dest.
func extractBinary(r io.Reader, name, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		base := filepath.Base(hdr.Name)
		if base == name || strings.HasPrefix(base, name) {
			return writeFile(dest, tr)
		}
	}
	return fmt.Errorf("binary %q not found in archive", name)
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// List returns the executables installed in toolsDir, sorted by name.
func List(toolsDir string) []string {
	entries, err := os.ReadDir(toolsDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}
