package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "500ms"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// RestartMode 决定确认更新后如何加载新代码。
type RestartMode string

const (
	// RestartModeExec 以 exec 方式替换当前进程，内存状态全部丢失。
	RestartModeExec RestartMode = "exec"
	// RestartModeReload 不退出进程，仅重建模块图（清空 Loader 内存态并重新执行启动恢复）。
	RestartModeReload RestartMode = "reload"
)

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StatePath       string   `mapstructure:"StatePath"`
	ListingURL      string   `mapstructure:"ListingURL"`
	RefreshInterval Duration `mapstructure:"RefreshInterval"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ResumeDelay     Duration `mapstructure:"ResumeDelay"`
	RestartMode     string   `mapstructure:"RestartMode"`
}

// ModuleConfig 是配置文件中静态声明的远程模块，启动时会 upsert 到注册表。
type ModuleConfig struct {
	Name        string `mapstructure:"Name"`
	URL         string `mapstructure:"URL"`
	Version     string `mapstructure:"Version"`
	Description string `mapstructure:"Description"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Modules []ModuleConfig `mapstructure:"Module"`
}

// Restart 返回标准化后的重启模式，未填写时默认 exec。
func (g GlobalConfig) Restart() RestartMode {
	mode := RestartMode(strings.ToLower(strings.TrimSpace(g.RestartMode)))
	if mode == "" {
		return RestartModeExec
	}
	return mode
}

// HasListing 表示是否配置了远程分包列表接口。
func (g GlobalConfig) HasListing() bool {
	return strings.TrimSpace(g.ListingURL) != ""
}

// ModuleNames 返回所有静态模块名称，供启动日志使用。
func ModuleNames(mods []ModuleConfig) []string {
	if len(mods) == 0 {
		return nil
	}
	result := make([]string, len(mods))
	for i, mod := range mods {
		result[i] = fmt.Sprintf("%s@%s", mod.Name, mod.Version)
	}
	return result
}
