//go:build linux

package loop

import "golang.org/x/sys/unix"

// createWakeFd creates the fd Stop uses to interrupt a blocked poll from
// another goroutine. On Linux this is an eventfd, which unlike a pipe
// needs only one fd and self-coalesces repeated signals, so readFd and
// writeFd are the same descriptor.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFd(fd int) {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, _ = unix.Write(fd, buf[:])
}

func closeWakeFd(readFd, writeFd int) error {
	return unix.Close(readFd)
}
