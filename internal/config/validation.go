package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StatePath == "" {
		return newFieldError("Global.StatePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	switch g.Restart() {
	case RestartModeExec, RestartModeReload:
	default:
		return newFieldError("Global.RestartMode", "仅支持 exec/reload")
	}
	if g.HasListing() {
		if err := validateRemoteURL(g.ListingURL); err != nil {
			return fmt.Errorf("Global.ListingURL: %w", err)
		}
	}

	if !g.HasListing() && len(c.Modules) == 0 {
		return errors.New("至少需要配置 ListingURL 或一个 Module")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Modules {
		mod := &c.Modules[i]
		name := strings.ToLower(strings.TrimSpace(mod.Name))
		if name == "" {
			return newFieldError("Module[].Name", "不能为空")
		}
		if strings.ContainsAny(name, "/\\ ") {
			return newFieldError(moduleField(name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[name]; exists {
			return newFieldError(moduleField(name, "Name"), "重复")
		}
		seenNames[name] = struct{}{}
		mod.Name = name

		if strings.TrimSpace(mod.Version) == "" {
			return newFieldError(moduleField(name, "Version"), "不能为空")
		}
		if err := validateRemoteURL(mod.URL); err != nil {
			return fmt.Errorf("%s: %w", moduleField(name, "URL"), err)
		}
	}

	return nil
}

func validateRemoteURL(raw string) error {
	if raw == "" {
		return errors.New("缺少远程地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
