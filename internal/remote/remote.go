// internal/remote/remote.go
// Package remote runs commands on this host or, over ssh, on another one,
// and mirrors directories to other hosts with rsync.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrCommandFailed = errors.New("remote: command failed")
	ErrEmptyCommand  = errors.New("remote: empty command")
	ErrRelativePath  = errors.New("remote: remote copy needs an absolute path")
)

// Result is the outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner runs argv on host. An empty host, or one naming this machine, runs
// locally. A non-zero exit is reported as ErrCommandFailed along with the
// captured Result.
type Runner interface {
	Run(ctx context.Context, host string, argv []string) (Result, error)
}

// Syncer mirrors the directory src onto dst on host.
type Syncer interface {
	Sync(ctx context.Context, src, host, dst string) error
}

// ExecRunner runs commands with os/exec. In debug mode commands are logged
// and not run.
type ExecRunner struct {
	Logger *zap.Logger
	Debug  bool
	SSH    string

	local map[string]bool
}

// NewExecRunner returns a runner that treats this host's short name and
// fully qualified name as local.
func NewExecRunner(logger *zap.Logger, debug bool) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ExecRunner{Logger: logger, Debug: debug, SSH: "/usr/bin/ssh", local: map[string]bool{}}
	for _, h := range ThisHost() {
		r.local[h] = true
	}
	return r
}

// IsLocal reports whether host names this machine.
func (r *ExecRunner) IsLocal(host string) bool {
	return host == "" || r.local[host]
}

// Run runs argv locally or via ssh.
func (r *ExecRunner) Run(ctx context.Context, host string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, ErrEmptyCommand
	}
	if !r.IsLocal(host) {
		argv = append([]string{r.SSH, host}, argv...)
	}
	if r.Debug {
		r.Logger.Info("debug: not running", zap.Strings("argv", argv))
		return Result{}, nil
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.Logger.Warn("command failed",
				zap.Strings("argv", argv),
				zap.Int("exit", res.ExitCode),
				zap.String("stderr", strings.TrimSpace(res.Stderr)))
			return res, fmt.Errorf("%w: %s: exit %d", ErrCommandFailed, argv[0], res.ExitCode)
		}
		return res, fmt.Errorf("remote: run %s: %w", argv[0], err)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		r.Logger.Debug("command output", zap.Strings("argv", argv), zap.String("stdout", out))
	}
	return res, nil
}

// Rsync mirrors directories with rsync -a --delete --mkpath, run locally.
type Rsync struct {
	Runner Runner
	Path   string
}

// NewRsync returns an Rsync using /usr/bin/rsync.
func NewRsync(r Runner) *Rsync {
	return &Rsync{Runner: r, Path: "/usr/bin/rsync"}
}

// Sync copies the contents of src to host:dst. Both must be absolute.
func (s *Rsync) Sync(ctx context.Context, src, host, dst string) error {
	if !strings.HasPrefix(src, "/") || !strings.HasPrefix(dst, "/") {
		return fmt.Errorf("%w: %s -> %s", ErrRelativePath, src, dst)
	}
	src = strings.TrimSuffix(src, "/") + "/"
	dst = strings.TrimSuffix(dst, "/") + "/"
	_, err := s.Runner.Run(ctx, "", []string{s.Path, "-a", "--delete", "--mkpath", src, host + ":" + dst})
	return err
}

// SplitCommand turns a configured command line into argv.
func SplitCommand(cmd string) []string {
	return strings.Fields(cmd)
}

// ThisHost returns this machine's short host name and, when it resolves,
// its fully qualified name.
func ThisHost() []string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return nil
	}
	out := []string{name}
	short, _, _ := strings.Cut(name, ".")
	if short != name {
		out = append(out, short)
	}
	if cname, err := net.LookupCNAME(name); err == nil {
		if fq := strings.TrimSuffix(cname, "."); fq != "" && fq != name {
			out = append(out, fq)
		}
	}
	return out
}

// Privileged reports whether the process runs as root.
func Privileged() bool {
	return unix.Geteuid() == 0
}
