package cmkengine

import (
	"context"
	"os/exec"
)

func setSysProcAttr(_ *exec.Cmd) {}

func (e *Engine) handleUsrSignals(_ context.Context) {}
