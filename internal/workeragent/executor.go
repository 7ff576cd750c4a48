package workeragent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"angel-master/internal/shared/model"
)

// ============================================================================
// 任务载荷
// ============================================================================

// Command 可执行的任务载荷
//
// 载荷可以是对象 {"command": "...", "env": {...}, "dir": "...", "timeout": "30s"}，
// 也可以是单个 JSON 字符串（视为 command）。
type Command struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// ParseCommand 解析任务载荷
func ParseCommand(payload json.RawMessage) (*Command, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	var c Command
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		c.Command = s
	} else if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(c.Command) == "" {
		return nil, errors.New("payload has no command")
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
		}
	}
	return &c, nil
}

// ============================================================================
// Executor - 通过 shell 执行命令
// ============================================================================

// LineFunc 接收一行输出
type LineFunc func(level model.LogLevel, line string)

// Executor 以 `<shell> -c <command>` 执行任务
type Executor struct {
	Shell string
}

// Run 执行命令并返回退出码
//
// stdout 逐行以 info 级别、stderr 逐行以 error 级别交给 onLine。
// 命令无法启动时返回 error；ctx 取消时返回 ctx.Err()。
func (e *Executor) Run(ctx context.Context, c *Command, onLine LineFunc) (int, error) {
	if c.Timeout != "" {
		d, _ := time.ParseDuration(c.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", c.Command)
	cmd.Dir = c.Dir
	// 取消时杀死整个进程组，子进程不能继续占用输出管道
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, model.LogLevelInfo, onLine)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, model.LogLevelError, onLine)
	}()
	// 管道必须在 Wait 之前读完
	wg.Wait()
	err = cmd.Wait()

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// streamLines 逐行读取输出，放大缓冲区以处理长行
func streamLines(r io.Reader, level model.LogLevel, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(level, scanner.Text())
		}
	}
	// 超长行导致 Scanner 停止时排空剩余输出，避免子进程阻塞
	_, _ = io.Copy(io.Discard, r)
}
