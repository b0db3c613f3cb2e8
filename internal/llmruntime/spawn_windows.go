package llmruntime

import (
	"os/exec"
	"syscall"
)

// exeSuffix is appended to binary names when probing the filesystem.
const exeSuffix = ".exe"

// newServerCommand builds the llama-server invocation with the console
// window hidden and the server in its own process group, so the whole
// tree can be killed together.
func newServerCommand(bin string, args []string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
	return cmd
}

// killStrayServers sweeps llama-server processes left over from a
// crashed run so their ports free up.
func killStrayServers() {
	cmd := exec.Command("taskkill", "/f", "/im", "llama-server"+exeSuffix)
	cmd.Run() // no stray processes is the common case
}

// markExecutable is a no-op; Windows has no executable bit.
func markExecutable(string) {}
