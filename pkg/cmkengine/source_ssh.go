package cmkengine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

func init() {
	AvailableSources["ssh"] = func(e *Engine, hostConf *HostConfig) Source {
		return newAgentSource(e, hostConf, "ssh", &SSHFetcher{
			Address:        net.JoinHostPort(hostConf.Address, strconv.FormatInt(hostConf.SSHPort, 10)),
			User:           hostConf.SSHUser,
			KeyFile:        hostConf.SSHKey,
			Password:       hostConf.SSHPassword,
			Command:        ReplaceHostMacros(hostConf.SSHCommand, hostConf),
			ConnectTimeout: e.Settings.ConnectTimeout,
		}, true)
	}
}

// SSHFetcher runs the agent command on the remote host over ssh.
type SSHFetcher struct {
	Address        string
	User           string
	KeyFile        string
	Password       string
	Command        string
	ConnectTimeout time.Duration

	// dial defaults to ssh.Dial
	dial func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

func (f *SSHFetcher) authMethods() ([]ssh.AuthMethod, error) {
	methods := []ssh.AuthMethod{}
	if f.KeyFile != "" {
		key, err := os.ReadFile(f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %s", err.Error())
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key %s: %s", f.KeyFile, err.Error())
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if f.Password != "" {
		methods = append(methods, ssh.Password(f.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh authentication configured, set ssh key or ssh password")
	}

	return methods, nil
}

func (f *SSHFetcher) FetchRaw(ctx context.Context) ([]byte, error) {
	auth, err := f.authMethods()
	if err != nil {
		return nil, err
	}
	user := f.User
	if user == "" {
		user = "root"
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // agent hosts are configured explicitly
		Timeout:         f.ConnectTimeout,
	}

	dial := f.dial
	if dial == nil {
		dial = ssh.Dial
	}
	client, err := dial("tcp", f.Address, config)
	if err != nil {
		return nil, fmt.Errorf("ssh connect to %s failed: %w", f.Address, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %s", err.Error())
	}
	defer session.Close()

	var outbuf, errbuf bytes.Buffer
	session.Stdout = &outbuf
	session.Stderr = &errbuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(f.Command)
	}()

	select {
	case <-ctx.Done():
		client.Close()

		return nil, fmt.Errorf("ssh command %q: %w", f.Command, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("ssh command %q failed: %s %s", f.Command, err.Error(), strings.TrimSpace(errbuf.String()))
		}
	}

	return outbuf.Bytes(), nil
}
