package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var ErrAgentNotFound = errors.New("agent binary not found")

// Fixed roots probed before falling back to PATH. Assistants are
// commonly installed by npm/brew wrappers that login shells see but a
// daemon's environment may not.
var searchRoots = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
	"/bin",
}

var homeRoots = []string{
	".local/bin",
	".npm-global/bin",
	".bun/bin",
	"bin",
}

// Locate resolves the assistant binary to an absolute path.
func Locate(name string) (string, error) {
	if strings.Contains(name, string(os.PathSeparator)) {
		if isExecutable(name) {
			return filepath.Abs(name)
		}
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	for _, root := range searchRoots {
		candidate := filepath.Join(root, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, rel := range homeRoots {
			candidate := filepath.Join(home, rel, name)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%w: %s", ErrAgentNotFound, name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
