package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// acquirePidFile refuses to start when the pidfile names a live process.
// A stale pidfile is overwritten.
func acquirePidFile(pidFile string) error {
	if pid, ok := readPidFile(pidFile); ok && pid != os.Getpid() {
		if alive, _ := process.PidExists(int32(pid)); alive {
			return fmt.Errorf("already running with PID %d (%s)", pid, pidFile)
		}
	}
	return writePidFile(pidFile, os.Getpid())
}

func readPidFile(pidFile string) (int, bool) {
	// #nosec G304 -- operator-provided path
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// writePidFile writes the supervisor PID to a file
func writePidFile(pidFile string, pid int) error {
	// #nosec G302 G304
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	err := os.Remove(pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
