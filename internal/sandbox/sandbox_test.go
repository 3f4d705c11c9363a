package sandbox

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWrapCommand_noHomePassesThrough(t *testing.T) {
	cmd := WrapCommand(context.Background(), "", "", "/bin/echo", []string{"hi"})
	if cmd.Path != "/bin/echo" {
		t.Errorf("Path: got %q", cmd.Path)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "hi" {
		t.Errorf("Args: got %v", cmd.Args)
	}
}

func TestWrapCommand_withHome(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("bubblewrap wrapping is linux-only")
	}
	home := t.TempDir()
	work := filepath.Join(home, "work", "r1")
	cmd := WrapCommand(context.Background(), home, work, "/bin/echo", []string{"hi"})
	// Without bwrap installed, the command passes through unchanged; with it,
	// args must include the ro-bind of home and the rw bind of the work dir.
	if filepath.Base(cmd.Path) != "bwrap" {
		if cmd.Path != "/bin/echo" {
			t.Errorf("Path: got %q", cmd.Path)
		}
		return
	}
	var sawRoHome, sawRwWork bool
	for i, a := range cmd.Args {
		if a == "--ro-bind" && i+1 < len(cmd.Args) && cmd.Args[i+1] == home {
			sawRoHome = true
		}
		if a == "--bind" && i+1 < len(cmd.Args) && cmd.Args[i+1] == work {
			sawRwWork = true
		}
	}
	if !sawRoHome || !sawRwWork {
		t.Errorf("bwrap args: got %v", cmd.Args)
	}
}

func TestUnderDir(t *testing.T) {
	if !underDir("/a/b", "/a/b") || !underDir("/a/b", "/a/b/c") {
		t.Error("underDir: expected true for dir and child")
	}
	if underDir("/a/b", "/a/bc") || underDir("/a/b", "/a") || underDir("", "/a") {
		t.Error("underDir: expected false for sibling prefix, parent, empty")
	}
}
