//go:build linux

package driver

import (
	"os/exec"
)

// FindRuntime locates a vendor runtime binary on the system path.
func FindRuntime(runtime string) (string, error) {
	binPath, err := exec.LookPath(runtime)
	if err != nil {
		return "", err
	}

	return binPath, nil
}
