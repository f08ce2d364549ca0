// Package restart 提供确认更新后重启进程或重建模块图的原语。
package restart

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modgate/internal/config"
	"github.com/any-hub/modgate/internal/logging"
)

// DefaultGrace 是 exec 前留给已返回的 HTTP 响应写回的时间。
const DefaultGrace = 200 * time.Millisecond

// Restarter 与 gate.Restarter 同构。
type Restarter interface {
	Restart() error
}

// Func 把普通函数适配为 Restarter，reload 模式使用。
type Func func() error

// Restart 调用 f。
func (f Func) Restart() error {
	if f == nil {
		return errors.New("reload function not configured")
	}
	return f()
}

// Exec 通过 execve 用同一可执行文件替换当前进程，效果等同冷启动：
// 内存中的注册表与账本全部清空。
type Exec struct {
	Grace  time.Duration
	Logger *logrus.Logger

	executable func() (string, error)
	exec       func(argv0 string, argv []string, envv []string) error
	sleep      func(time.Duration)
	args       []string
}

// NewExec 构造使用 os.Args 与当前环境变量的 Exec。
func NewExec(logger *logrus.Logger) *Exec {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Exec{
		Grace:      DefaultGrace,
		Logger:     logger,
		executable: os.Executable,
		exec:       syscall.Exec,
		sleep:      time.Sleep,
		args:       os.Args,
	}
}

// Restart 解析可执行文件，等待 Grace 后 exec。成功时不会返回；
// 任何一步失败都返回错误，由调用方恢复待确认的更新。
func (e *Exec) Restart() error {
	binary, err := e.executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if info, err := os.Stat(binary); err != nil {
		return fmt.Errorf("stat executable: %w", err)
	} else if info.IsDir() {
		return fmt.Errorf("executable %s is a directory", binary)
	}

	argv := append([]string(nil), e.args...)
	if len(argv) == 0 {
		argv = []string{binary}
	}
	env := os.Environ()

	e.Logger.WithFields(logrus.Fields{
		"action":   "restart",
		"binary":   binary,
		"grace_ms": e.Grace.Milliseconds(),
	}).Warn("restarting process")

	if e.Grace > 0 {
		e.sleep(e.Grace)
	}
	if err := e.exec(binary, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", binary, err)
	}
	return nil
}

// New 按配置的重启模式选择实现。
func New(mode config.RestartMode, logger *logrus.Logger, reload func() error) (Restarter, error) {
	switch mode {
	case config.RestartModeExec, "":
		return NewExec(logger), nil
	case config.RestartModeReload:
		if reload == nil {
			return nil, errors.New("reload restart mode requires a reload function")
		}
		return Func(reload), nil
	default:
		return nil, fmt.Errorf("unsupported restart mode %q", mode)
	}
}
