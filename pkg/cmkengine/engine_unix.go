//go:build !windows

package cmkengine

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
)

func setSysProcAttr(cmd *exec.Cmd) {
	// prevent child from receiving signals meant for the engine only
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// handleUsrSignals logs a thread dump on SIGUSR1 until ctx is done.
func (e *Engine) handleUsrSignals(ctx context.Context) {
	usr := make(chan os.Signal, 1)
	signal.Notify(usr, syscall.SIGUSR1)
	go func() {
		defer e.logPanicExit()
		defer signal.Stop(usr)
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr:
				utils.LogThreadDump(log)
			}
		}
	}()
}
