//go:build unix

package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Inherited opens the pipe descriptors a worker was started with. They are
// marked close-on-exec so step processes do not hold the channel open.
func Inherited(inFD, outFD int) (in, out *os.File, err error) {
	for _, fd := range []int{inFD, outFD} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			return nil, nil, fmt.Errorf("descriptor %d: %w", fd, err)
		}
		unix.CloseOnExec(fd)
	}
	return os.NewFile(uintptr(inFD), "agent-in"), os.NewFile(uintptr(outFD), "agent-out"), nil
}
