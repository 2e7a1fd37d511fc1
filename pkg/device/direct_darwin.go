//go:build darwin

package device

import "golang.org/x/sys/unix"

// darwin has no O_DIRECT; F_NOCACHE gives the same page cache bypass.
const directFlag = 0

func afterOpenDirect(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_NOCACHE, 1)
	return err
}
