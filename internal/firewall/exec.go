package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandTimeout is the maximum time to wait for an iptables invocation.
const CommandTimeout = 10 * time.Second

// ExecBackend shells out to the iptables binary. It is used where the
// libnetwork wrapper cannot initialise, and by the health check.
type ExecBackend struct {
	// Binary defaults to "iptables".
	Binary string
}

func (b ExecBackend) binary() string {
	if b.Binary == "" {
		return "iptables"
	}
	return b.Binary
}

func (b ExecBackend) Exists(chain string, rule ...string) bool {
	_, err := b.Run(append([]string{"-C", chain}, rule...)...)
	return err == nil
}

func (b ExecBackend) Run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()

	// -w waits for the xtables lock instead of failing when Docker holds it.
	cmdArgs := append([]string{"-w", "-t", "filter"}, args...)
	cmd := exec.CommandContext(ctx, b.binary(), cmdArgs...)

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("iptables command timed out after %v", CommandTimeout)
	}
	if err != nil {
		return output, fmt.Errorf("iptables command failed: %w (output: %s)", err, string(output))
	}
	return output, nil
}

// Version returns the output of `iptables --version`.
func (b ExecBackend) Version() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, b.binary(), "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("iptables --version: %w", err)
	}
	return string(out), nil
}

// NewBackend returns the backend named by kind: "libnetwork" (default) or
// "exec".
func NewBackend(kind string) (Backend, error) {
	switch kind {
	case "", "libnetwork":
		b, err := NewIPTablesBackend()
		if err != nil {
			return nil, err
		}
		return b, nil
	case "exec":
		return ExecBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown iptables backend %q", kind)
	}
}
