package sandbox

import (
	"slices"
	"strings"
	"testing"

	"hermit/pkg/logx"
)

func argsContain(args []string, seq ...string) bool {
	for i := 0; i+len(seq) <= len(args); i++ {
		if slices.Equal(args[i:i+len(seq)], seq) {
			return true
		}
	}
	return false
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	groupDir := t.TempDir()
	args := BuildArgs(BwrapOptions{
		GroupDir:  groupDir,
		Home:      "/home/alice",
		ClaudeDir: "/home/alice/.hermit/.claude",
	})

	for _, seq := range [][]string{
		{"--ro-bind", "/usr", "/usr"},
		{"--bind", groupDir, "/workspace"},
		{"--tmpfs", "/home"},
		{"--bind", "/home/alice/.hermit/.claude", "/home/alice/.claude"},
		{"--setenv", "HOME", "/home/alice"},
		{"--setenv", "USER", "alice"},
		{"--chdir", "/workspace"},
		{"--unshare-all"},
		{"--share-net"},
		{"--die-with-parent"},
	} {
		if !argsContain(args, seq...) {
			t.Errorf("args missing %v", seq)
		}
	}

	if argsContain(args, "--setenv", "GH_TOKEN") {
		t.Error("GH_TOKEN injected without a token")
	}
}

func TestBuildArgsGHToken(t *testing.T) {
	t.Parallel()
	args := BuildArgs(BwrapOptions{
		GroupDir: t.TempDir(),
		Home:     "/home/alice",
		GHToken:  "gho_abc",
	})
	if !argsContain(args, "--setenv", "GH_TOKEN", "gho_abc") {
		t.Error("GH_TOKEN not injected")
	}
}

func TestBuildArgsToolsOnPath(t *testing.T) {
	t.Parallel()
	toolsDir := t.TempDir()
	args := BuildArgs(BwrapOptions{
		GroupDir: t.TempDir(),
		Home:     "/home/alice",
		ToolsDir: toolsDir,
	})
	if !argsContain(args, "--ro-bind", toolsDir, toolsDir) {
		t.Error("tools dir not mounted")
	}
	for i, a := range args {
		if a == "PATH" && i+1 < len(args) {
			if !strings.HasPrefix(args[i+1], toolsDir+":") {
				t.Errorf("PATH = %q, want tools dir first", args[i+1])
			}
			return
		}
	}
	t.Error("PATH not set")
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()
	got := buildCommand("claude", "hi there", "")
	want := []string{"claude", "-p", "--output-format", "json", "--dangerously-skip-permissions", "hi there"}
	if !slices.Equal(got, want) {
		t.Fatalf("buildCommand = %v, want %v", got, want)
	}

	got = buildCommand("claude", "hi", "sess-1")
	if !argsContain(got, "--resume", "sess-1") {
		t.Fatalf("resume flag missing: %v", got)
	}
	if got[len(got)-1] != "hi" {
		t.Fatalf("prompt must be the final argument: %v", got)
	}
}

func TestParseOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		out     string
		text    string
		session string
	}{
		{
			name:    "json",
			out:     `{"result":"hello","session_id":"s-42"}`,
			text:    "hello",
			session: "s-42",
		},
		{
			name: "json without session",
			out:  `{"result":"hello"}`,
			text: "hello",
		},
		{
			name: "raw text passthrough",
			out:  "plain output\n",
			text: "plain output\n",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := parseOutput([]byte(tt.out))
			if got.Text != tt.text {
				t.Fatalf("Text = %q, want %q", got.Text, tt.text)
			}
			if got.SessionID != tt.session {
				t.Fatalf("SessionID = %q, want %q", got.SessionID, tt.session)
			}
		})
	}
}

func TestGroupLockIsPerDirectory(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())

	a1 := r.groupLock("/tmp/a")
	a2 := r.groupLock("/tmp/a")
	b := r.groupLock("/tmp/b")
	if a1 != a2 {
		t.Fatal("same directory must share one lock")
	}
	if a1 == b {
		t.Fatal("different directories must not share a lock")
	}
}
