//go:build windows

package worker

import (
	"fmt"
	"os"
)

// Inherited opens the pipe handles a worker was started with.
func Inherited(inFD, outFD int) (in, out *os.File, err error) {
	in = os.NewFile(uintptr(inFD), "agent-in")
	out = os.NewFile(uintptr(outFD), "agent-out")
	if in == nil || out == nil {
		return nil, nil, fmt.Errorf("invalid worker handles %d, %d", inFD, outFD)
	}
	return in, out, nil
}
