//go:build !unix

package local

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func forceKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
