package cmkengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sni/shelltoken"
)

func init() {
	AvailableSources["program"] = func(e *Engine, hostConf *HostConfig) Source {
		return newAgentSource(e, hostConf, "program", &ProgramFetcher{
			CommandLine: ReplaceHostMacros(hostConf.DatasourceProgram, hostConf),
		}, true)
	}
}

// ReplaceHostMacros replaces <HOST> and <IP> in datasource command lines.
func ReplaceHostMacros(cmdLine string, hostConf *HostConfig) string {
	return strings.NewReplacer("<HOST>", hostConf.Name, "<IP>", hostConf.Address).Replace(cmdLine)
}

// ProgramFetcher runs a datasource program and returns its stdout.
type ProgramFetcher struct {
	CommandLine string
}

func (f *ProgramFetcher) FetchRaw(ctx context.Context) ([]byte, error) {
	if strings.TrimSpace(f.CommandLine) == "" {
		return nil, fmt.Errorf("no datasource program configured")
	}
	hasShellCode := false
	_, args, err := shelltoken.SplitLinux(f.CommandLine)
	var shellErr *shelltoken.ShellCharactersFoundError
	if errors.As(err, &shellErr) {
		hasShellCode = true
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing command: %s", err.Error())
	}

	var cmd *exec.Cmd
	switch {
	case hasShellCode:
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", f.CommandLine)
	case len(args) == 0:
		return nil, fmt.Errorf("empty datasource program")
	default:
		cmd = exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command comes from the config
	}

	var outbuf, errbuf bytes.Buffer
	cmd.Stdout = &outbuf
	cmd.Stderr = &errbuf
	setSysProcAttr(cmd)

	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("datasource program: %w", ctxErr)
	}
	if err != nil {
		exitErr := &exec.ExitError{}
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("datasource program exited with code %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(errbuf.String()))
		}

		return nil, fmt.Errorf("datasource program: %s", err.Error())
	}

	return outbuf.Bytes(), nil
}
