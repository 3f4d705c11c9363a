// Package sandbox isolates agent subprocesses: bubblewrap wrapping on Linux
// and a deny list for obviously destructive agent commands.
package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
)

// WrapCommand returns an *exec.Cmd that runs binary with args. If home is
// non-empty and bubblewrap (bwrap) is available on Linux, the command runs
// inside a minimal bubblewrap sandbox. If workDir is non-empty and under
// home, only workDir is writable and home is read-only (so protected/ and
// journal/ under home cannot be written). Otherwise the whole home is
// writable. Pass the task work dir when running an agent so it can only
// write its own workspace.
func WrapCommand(ctx context.Context, home, workDir, binary string, args []string) *exec.Cmd {
	if home == "" || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	var bwrapArgs []string
	if workDir != "" {
		absWork, _ := filepath.Abs(workDir)
		if underDir(absHome, absWork) {
			bwrapArgs = []string{
				"--ro-bind", absHome, absHome,
				"--bind", absWork, absWork,
				"--ro-bind", "/usr", "/usr",
				"--ro-bind", "/lib", "/lib",
				"--ro-bind", "/lib64", "/lib64",
				"--dev", "/dev",
				"--proc", "/proc",
				"--tmpfs", "/tmp",
				"--unshare-pid",
			}
		}
	}
	if bwrapArgs == nil {
		bwrapArgs = []string{
			"--bind", absHome, absHome,
			"--ro-bind", "/usr", "/usr",
			"--ro-bind", "/lib", "/lib",
			"--ro-bind", "/lib64", "/lib64",
			"--dev", "/dev",
			"--proc", "/proc",
			"--tmpfs", "/tmp",
			"--unshare-pid",
		}
	}
	bwrapArgs = append(bwrapArgs, "--", binary)
	bwrapArgs = append(bwrapArgs, args...)
	return exec.CommandContext(ctx, bwrap, bwrapArgs...)
}

// underDir reports whether child is dir or inside dir. Both paths must be
// absolute and cleaned.
func underDir(dir, child string) bool {
	if dir == "" || child == "" {
		return false
	}
	return child == dir || (len(child) > len(dir) && child[:len(dir)] == dir && child[len(dir)] == filepath.Separator)
}
