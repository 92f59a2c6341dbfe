package comms

import (
	"golang.org/x/sys/windows"

	"github.com/datawire/dlib/dexec"
)

func detachProcessGroup(cmd *dexec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}
