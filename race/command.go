package race

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// CommandRunner 运行测试/基准命令，返回合并后的 stdout+stderr。
// 非零退出或超时返回 *CommandError（仍携带输出）。
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration) (string, error)
}

// CommandError 命令失败
type CommandError struct {
	Command  string
	ExitCode int
	TimedOut bool
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command %q timed out", e.Command)
	}
	return fmt.Sprintf("command %q failed (exit %d): %v", e.Command, e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ShellRunner 通过 sh -c 执行命令
type ShellRunner struct {
	Shell string // 默认 sh
}

func (s ShellRunner) Run(ctx context.Context, dir, command string, timeout time.Duration) (string, error) {
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if err == nil {
		return out, nil
	}
	ce := &CommandError{Command: command, ExitCode: -1, Output: out, Err: err}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ce.TimedOut = true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return out, ce
}
