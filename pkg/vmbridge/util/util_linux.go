package util

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// CreateMutex approximates a global named mutex with a pidfile next to the binary.
// A stale pidfile (owner no longer running) is silently taken over.
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil && len(lockContent) > 0 && string(lockContent) != strconv.Itoa(currentPid) {
		lockPid, _ := strconv.Atoi(string(lockContent))
		process, err := os.FindProcess(lockPid)
		if err == nil {
			if process.Signal(syscall.Signal(0)) == nil {
				return fmt.Errorf("another instance of %s is already running", name)
			}
		}
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0664)
	if err != nil {
		return fmt.Errorf("cannot instantiate mutex: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(strconv.Itoa(currentPid))); err != nil {
		return fmt.Errorf("cannot instantiate mutex: %w", err)
	}

	return nil
}
