//go:build windows

package driver

import (
	"os/exec"
	"strings"
)

// FindRuntime locates a vendor runtime binary on the system path.
func FindRuntime(runtime string) (string, error) {
	if !strings.HasSuffix(runtime, ".exe") {
		runtime += ".exe"
	}

	binPath, err := exec.LookPath(runtime)
	if err != nil {
		return "", err
	}

	return binPath, nil
}
