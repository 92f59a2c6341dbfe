//go:build !windows
// +build !windows

package comms

import (
	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dexec"
)

func detachProcessGroup(cmd *dexec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
	}
}
