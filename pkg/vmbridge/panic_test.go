package vmbridge

import (
	"os"
	"strings"
	"testing"
)

func TestWriteCrashlog(t *testing.T) {
	t.Chdir(t.TempDir())

	path, err := writeCrashlog("strip index exploded", []byte("goroutine 1 [running]:\nmain.main()"))
	if err != nil {
		t.Fatalf("writeCrashlog: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read crashlog file: %v", err)
	}

	report := string(contents)

	if !strings.Contains(report, "strip index exploded") {
		t.Error("crashlog does not contain the panic cause")
	}

	if !strings.Contains(report, "goroutine 1 [running]") {
		t.Error("crashlog does not contain the stack trace")
	}

	if !strings.Contains(report, "supervisor will relaunch") {
		t.Error("crashlog does not tell the user the worker restarts on its own")
	}
}
