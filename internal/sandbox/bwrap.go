package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// BwrapOptions describes one sandbox invocation's filesystem and
// environment layout.
type BwrapOptions struct {
	// GroupDir is the group's private working directory, mounted
	// read-write at /workspace.
	GroupDir string

	// Home is the user home path reproduced inside the sandbox.
	Home string

	// ClaudeDir is hermit's isolated claude state, mounted over ~/.claude
	// so the sandbox never sees the user's own plugins or settings.
	ClaudeDir string

	// ToolsDir holds the static tool binaries; mounted read-only and
	// prepended to PATH when present.
	ToolsDir string

	// GHToken, when non-empty, is injected as GH_TOKEN. Credentials travel
	// via environment, never via config file mounts.
	GHToken string
}

// BuildArgs assembles the bubblewrap argument list: read-only system
// binaries, the group directory as the only writable mount, tmpfs /tmp and
// /home, network shared, everything else unshared.
func BuildArgs(opts BwrapOptions) []string {
	args := []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
	}
	args = appendOptionalROBind(args, "/lib64")
	args = append(args,
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/etc/resolv.conf", "/etc/resolv.conf",
		"--ro-bind", "/etc/ssl", "/etc/ssl",
	)
	args = appendOptionalROBind(args, "/etc/pki") // Fedora CA certs
	args = append(args,
		"--symlink", "/usr/bin", "/sbin",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--bind", opts.GroupDir, "/workspace",
		"--tmpfs", "/home",
		"--dir", opts.Home,
	)

	if opts.ClaudeDir != "" {
		args = append(args, "--bind", opts.ClaudeDir, filepath.Join(opts.Home, ".claude"))
	}

	claudeBin := filepath.Join(opts.Home, ".local", "bin")
	claudeShare := filepath.Join(opts.Home, ".local", "share", "claude")
	if dirExists(claudeBin) {
		args = append(args, "--dir", filepath.Join(opts.Home, ".local"))
		args = append(args, "--ro-bind", claudeBin, claudeBin)
	}
	if dirExists(claudeShare) {
		args = append(args, "--ro-bind", claudeShare, claudeShare)
	}

	pathParts := []string{claudeBin, "/usr/bin", "/bin"}
	if opts.ToolsDir != "" && dirExists(opts.ToolsDir) {
		args = append(args, "--ro-bind", opts.ToolsDir, opts.ToolsDir)
		pathParts = append([]string{opts.ToolsDir}, pathParts...)
	}

	args = append(args,
		"--setenv", "HOME", opts.Home,
		"--setenv", "USER", filepath.Base(opts.Home),
		"--setenv", "PATH", strings.Join(pathParts, ":"),
		"--chdir", "/workspace",
		"--unshare-all",
		"--share-net",
		"--die-with-parent",
	)

	if opts.GHToken != "" {
		args = append(args, "--setenv", "GH_TOKEN", opts.GHToken)
	}

	return args
}

func appendOptionalROBind(args []string, path string) []string {
	if _, err := os.Stat(path); err != nil {
		return args
	}
	return append(args, "--ro-bind", path, path)
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
