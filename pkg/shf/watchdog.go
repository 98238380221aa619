package shf

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/calvinalkan/shf/internal/ticketlock"
	"github.com/calvinalkan/shf/pkg/fs"
)

// watchdogEnv carries "<owner pid>:<tree path>" to the re-executed binary.
const watchdogEnv = "SHF_WATCHDOG"

// watchdogInterval is how often the watchdog polls its owner.
const watchdogInterval = 100 * time.Millisecond

// spawnWatchdog re-executes the current binary as a watchdog for tree. The
// child runs in its own process group so signals aimed at the owner's group
// do not take it down too.
func spawnWatchdog(tree string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("watchdog: locate executable: %w", err)
	}

	cmd := exec.Command(exe) //nolint:gosec // re-executing ourselves
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d:%s", watchdogEnv, os.Getpid(), tree))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("watchdog: start: %w", err)
	}

	// Reap the child so it does not linger as a zombie if it exits first.
	go func() { _ = cmd.Wait() }()

	return nil
}

// RunWatchdogFromEnv turns the process into a watchdog when it was started
// by [Options.DeleteOnExit]. It blocks until the owner exits, removes the
// tree and returns true. Otherwise it returns false immediately.
//
// Binaries attaching with DeleteOnExit must call it first thing in main:
//
//	func main() {
//	    if shf.RunWatchdogFromEnv() {
//	        return
//	    }
//	    ...
//	}
func RunWatchdogFromEnv() bool {
	v, ok := os.LookupEnv(watchdogEnv)
	if !ok {
		return false
	}

	pidStr, tree, ok := strings.Cut(v, ":")

	owner, err := strconv.Atoi(pidStr)
	if !ok || err != nil || tree == "" {
		fmt.Fprintf(os.Stderr, "shf watchdog: malformed %s=%q\n", watchdogEnv, v)

		return true
	}

	alive := func() bool {
		return os.Getppid() == owner && ticketlock.ProcessAlive(owner)
	}

	err = watch(context.Background(), fs.NewReal(), alive, tree, watchdogInterval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shf watchdog: %v\n", err)
	}

	return true
}

// watch polls alive every interval and removes tree once it reports false.
func watch(ctx context.Context, fsys fs.FS, alive func() bool, tree string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for alive() {
		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // cancellation is passed through
		case <-ticker.C:
		}
	}

	err := fsys.RemoveAll(tree)
	if err != nil {
		return fmt.Errorf("remove %s: %w", tree, err)
	}

	return nil
}
