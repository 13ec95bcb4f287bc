//go:build !linux && !darwin

package loop

import "golang.org/x/sys/unix"

// createWakeFd creates the self-pipe Stop uses to interrupt a blocked
// poll(2) from another goroutine, for the generic POSIX fallback backend.
func createWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func drainWakeFd(fd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFd(fd int) {
	var one [1]byte
	_, _ = unix.Write(fd, one[:])
}

func closeWakeFd(readFd, writeFd int) error {
	err := unix.Close(readFd)
	if writeFd != readFd {
		if werr := unix.Close(writeFd); err == nil {
			err = werr
		}
	}
	return err
}
