package daemon

import (
	"path/filepath"
)

// protectedDir holds daemon state files (pid, lock, addr, log) and the
// SQLite database, away from agent-writable space.
func protectedDir(home string) string {
	return filepath.Join(home, "protected")
}

func pidPath(home string) string {
	return filepath.Join(protectedDir(home), "daemon.pid")
}

func lockPath(home string) string {
	return filepath.Join(protectedDir(home), "daemon.lock")
}

func addrPath(home string) string {
	return filepath.Join(protectedDir(home), "daemon.addr")
}
