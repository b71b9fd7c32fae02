package util

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// CreateMutex acquires a global named mutex for the lifetime of the process,
// failing if another instance already holds it. The OS releases it on exit.
func CreateMutex(name string) error {
	namePtr, err := windows.UTF16PtrFromString("Global\\" + name)
	if err != nil {
		return fmt.Errorf("encode mutex name: %w", err)
	}

	_, err = windows.CreateMutex(nil, false, namePtr)
	if err == windows.ERROR_ALREADY_EXISTS {
		return fmt.Errorf("another instance of %s is already running", name)
	}
	if err != nil {
		return fmt.Errorf("create mutex: %w", err)
	}

	return nil
}
