package listing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/modgate/internal/modregistry"
)

// bundleSuffix 是分包文件名的固定后缀，去掉后即为模块 id。
const bundleSuffix = ".chunk.bundle"

// Item 是清单接口 results 数组中的一项。
type Item struct {
	Description string `json:"des"`
	URL         string `json:"url"`
	Version     string `json:"version"`
}

// Response 是清单接口的响应体，code 为字符串 "200" 时表示成功。
type Response struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
	Results []Item `json:"results"`
}

// Normalize 把清单条目转换为注册表描述，模块 id 取自 URL 最后一段路径。
func Normalize(items []Item) []modregistry.Descriptor {
	descriptors := make([]modregistry.Descriptor, 0, len(items))
	for index, item := range items {
		descriptors = append(descriptors, modregistry.Descriptor{
			ID:             moduleID(item.URL, index),
			RemoteLocation: strings.TrimSpace(item.URL),
			RemoteVersion:  strings.TrimSpace(item.Version),
			Description:    item.Description,
		})
	}
	return descriptors
}

func moduleID(rawURL string, index int) string {
	path := rawURL
	if parsed, err := url.Parse(strings.TrimSpace(rawURL)); err == nil && parsed.Path != "" {
		path = parsed.Path
	}
	var last string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			last = part
		}
	}
	id := strings.TrimSuffix(last, bundleSuffix)
	if id == "" {
		return fmt.Sprintf("bundle-%d", index)
	}
	return modregistry.NormalizeID(id)
}
