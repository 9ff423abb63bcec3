package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio).
const firstFD = 3

// Listen returns the first systemd-activated listener when the process was
// socket-activated, and otherwise listens on addr. activated reports which
// path was taken.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	lns, err := listeners(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}
	if len(lns) > 0 {
		// serve exposes a single socket; extra ones are not ours to keep open.
		for _, extra := range lns[1:] {
			_ = extra.Close()
		}
		return lns[0], true, nil
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// count parses LISTEN_PID and LISTEN_FDS and returns how many descriptors
// were passed to pid. Zero means no activation for this process.
func count(getenv func(string) string, pid int) (int, error) {
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
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func listeners(getenv func(string) string, pid int) ([]net.Listener, error) {
	n, err := count(getenv, pid)
	if err != nil || n == 0 {
		return nil, err
	}

	lns := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(lns)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		ln, err := net.FileListener(file)
		// FileListener dups the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(lns)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		lns = append(lns, ln)
	}

	// Child processes such as hook commands must not inherit the sockets.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
	return lns, nil
}

func closeAll(lns []net.Listener) {
	for _, ln := range lns {
		_ = ln.Close()
	}
}
