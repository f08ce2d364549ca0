package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ModuleFields 提供模块 id 与版本字段，供加载/更新日志复用。
func ModuleFields(action, moduleID, currentVersion, latestVersion string) logrus.Fields {
	fields := logrus.Fields{
		"action":    action,
		"module_id": moduleID,
	}
	if currentVersion != "" {
		fields["current_version"] = currentVersion
	}
	if latestVersion != "" {
		fields["latest_version"] = latestVersion
	}
	return fields
}
