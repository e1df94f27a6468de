// Package activation hands the refresh hook its listening socket, either
// passed in by systemd socket activation or bound locally.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr).
const firstFD = 3

// Listener returns the first socket passed by systemd for this process, or
// binds fallbackAddr when the process was not socket activated. The boolean
// reports whether the listener came from systemd.
func Listener(fallbackAddr string) (net.Listener, bool, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], true, nil
	}

	ln, err := net.Listen("tcp", fallbackAddr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", fallbackAddr, err)
	}
	return ln, false, nil
}

// Listeners returns every socket systemd passed to this process, or nil
// when there are none. The activation variables are cleared afterwards so
// children do not inherit them.
func Listeners() ([]net.Listener, error) {
	count, err := passedFDs(os.Getenv, os.Getpid())
	if err != nil || count == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, count)
	for fd := firstFD; fd < firstFD+count; fd++ {
		ln, err := fileListener(fd)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = os.Unsetenv(key)
	}
	return listeners, nil
}

// passedFDs reads LISTEN_PID/LISTEN_FDS and returns how many descriptors
// belong to pid.
func passedFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	return max(count, 0), nil
}

func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(fd-firstFD))
	if file == nil {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	defer func() {
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return ln, nil
}
