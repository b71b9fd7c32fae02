package vmbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/vmbridge/pkg/vmbridge/util"
)

const (
	crashlogFilename        = "vmbridge-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                      vmbridge crashlog
-----------------------------------------------------------------
The worker process hit an unrecoverable error and is exiting.
The supervisor will relaunch it shortly, so volume syncing resumes
on its own; this file is only needed if crashes keep repeating.
If they do, please open an issue and attach this file:
https://github.com/MixyLabs/vmbridge/issues/new
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// writeCrashlog persists a panic report next to the regular logs and
// returns the file's path
func writeCrashlog(cause interface{}, stack []byte) (string, error) {
	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	timestamp := now.Format(crashlogTimestampFormat)
	contents := fmt.Sprintf(crashMessage, timestamp, cause, stack)
	path := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, timestamp))

	if err := os.WriteFile(path, []byte(contents), os.ModePerm); err != nil {
		return "", fmt.Errorf("write crashlog file: %w", err)
	}

	return path, nil
}

func (b *Bridge) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	crashlogPath, err := writeCrashlog(r, debug.Stack())
	if err != nil {
		// nothing left to do with the report, surface both failures
		panic(fmt.Errorf("writing crashlog for panic %v: %w", r, err))
	}

	b.logger.Errorw("Encountered and logged panic, exiting for relaunch",
		"crashlogPath", crashlogPath,
		"error", r)

	b.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	b.signalStop()
	b.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}
