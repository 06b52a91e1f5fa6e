package config

import (
	"os"
	"os/exec"
	"regexp"
	"strings"
	"unicode/utf16"
)

// InstanceEnv names the environment variable that sets the instance ID
// explicitly.
const InstanceEnv = "DEVMUX_INSTANCE_ID"

const maxInstanceIDLength = 30

var (
	invalidInstanceChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedHyphens      = regexp.MustCompile(`-+`)
	worktreeGitDir       = regexp.MustCompile(`\.git/worktrees/([^/]+)`)
)

// ResolveInstanceID returns the instance ID for a project rooted at dir: the
// DEVMUX_INSTANCE_ID environment variable if set, else the name of the git
// worktree containing dir, else "" for the primary checkout.
func ResolveInstanceID(dir string) string {
	if id := os.Getenv(InstanceEnv); id != "" {
		return SanitizeInstanceID(id)
	}

	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}

	return SanitizeInstanceID(worktreeName(strings.TrimSpace(string(out))))
}

func worktreeName(gitDir string) string {
	m := worktreeGitDir.FindStringSubmatch(gitDir)
	if m == nil {
		return ""
	}
	return m[1]
}

// SanitizeInstanceID lowercases name and reduces it to letters, digits, and
// single hyphens, at most 30 characters long.
func SanitizeInstanceID(name string) string {
	id := strings.ToLower(name)
	id = invalidInstanceChars.ReplaceAllString(id, "-")
	id = repeatedHyphens.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-")
	if len(id) > maxInstanceIDLength {
		id = id[:maxInstanceIDLength]
	}
	return id
}

// PortOffset returns the port shift for an instance: 0 for the primary
// instance, otherwise a value in [1, 999] derived from a djb2 hash of id.
func PortOffset(id string) int {
	if id == "" {
		return 0
	}

	var hash int32
	for _, c := range utf16.Encode([]rune(id)) {
		hash = (hash << 5) - hash + int32(c)
	}

	abs := int64(hash)
	if abs < 0 {
		abs = -abs
	}
	return int(abs%999) + 1
}
