//go:build linux

package device

import "golang.org/x/sys/unix"

const directFlag = unix.O_DIRECT

func afterOpenDirect(int) error {
	return nil
}
