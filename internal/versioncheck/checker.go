// Package versioncheck 结合注册表与账本，判断某个模块是否有可用更新。
package versioncheck

import (
	"strings"

	"golang.org/x/mod/semver"

	"github.com/any-hub/modgate/internal/ledger"
	"github.com/any-hub/modgate/internal/modregistry"
)

// Direction 是版本变化方向，仅供展示层提示使用，不参与是否提供更新的判断。
type Direction string

const (
	DirectionUpgrade   Direction = "upgrade"
	DirectionDowngrade Direction = "downgrade"
	DirectionUnknown   Direction = "unknown"
)

// Offer 是一次待用户确认的版本更新。
type Offer struct {
	ID             string    `json:"id"`
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version"`
	Direction      Direction `json:"direction"`
}

// Descriptors 是 Checker 读取注册表所需的最小接口。
type Descriptors interface {
	Get(id string) (modregistry.Descriptor, bool)
}

// LoadedVersions 是 Checker 读取账本所需的最小接口。
type LoadedVersions interface {
	Version(id string) (string, bool)
}

// Checker 只读内存状态，不访问网络；注册表刷新应在调用前完成。
type Checker struct {
	registry Descriptors
	ledger   LoadedVersions
}

// New 创建 Checker。
func New(registry Descriptors, versions LoadedVersions) *Checker {
	return &Checker{registry: registry, ledger: versions}
}

// NewFromStores 便于直接传入具体的注册表与账本。
func NewFromStores(registry *modregistry.Registry, l *ledger.Ledger) *Checker {
	return New(registry, l)
}

// Check 返回模块的可用更新。以下情况返回 ok=false：
//   - 模块未登记（由 Loader 负责报告"模块不存在"）；
//   - 账本中没有记录（首次加载不算更新）；
//   - 远程版本与已加载版本字符串完全相同。
//
// 版本比较使用精确字符串比较，远程版本更旧时同样视为有更新。
func (c *Checker) Check(id string) (Offer, bool) {
	desc, ok := c.registry.Get(id)
	if !ok {
		return Offer{}, false
	}
	current, ok := c.ledger.Version(desc.ID)
	if !ok {
		return Offer{}, false
	}
	if current == desc.RemoteVersion {
		return Offer{}, false
	}
	return Offer{
		ID:             desc.ID,
		CurrentVersion: current,
		LatestVersion:  desc.RemoteVersion,
		Direction:      directionOf(current, desc.RemoteVersion),
	}, true
}

func directionOf(current, latest string) Direction {
	cur, lat := canonical(current), canonical(latest)
	if !semver.IsValid(cur) || !semver.IsValid(lat) {
		return DirectionUnknown
	}
	switch semver.Compare(cur, lat) {
	case -1:
		return DirectionUpgrade
	case 1:
		return DirectionDowngrade
	default:
		// 语义上相等但字符串不同，例如 "1.0" 与 "v1.0.0"。
		return DirectionUnknown
	}
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return v
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
