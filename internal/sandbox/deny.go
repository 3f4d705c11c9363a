package sandbox

import (
	"strings"
)

// denyList contains substrings that must not appear in an agent command line.
// Checked before spawning; matching is case-insensitive.
var denyList = []string{
	"DROP TABLE",
	"DELETE FROM",
	"rm -rf /",
	"rm -rf .git",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	":(){ :|:& };:", // fork bomb
}

// BlockedShellCommand returns true if the command line contains any denied
// substring. Call before executing an agent command.
func BlockedShellCommand(cmdLine string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmdLine))
	for _, deny := range denyList {
		if strings.Contains(lower, strings.ToLower(deny)) {
			return true
		}
	}
	return false
}
