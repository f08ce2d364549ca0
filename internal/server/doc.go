// Package server 构建 Fiber HTTP 服务：请求 ID、panic 恢复、访问日志与
// 统一的 JSON 错误响应。具体路由由 routes 包注册，本包只依赖配置，
// 以便 host、loader 等组件共享这里的上游 http.Client 而不产生循环依赖。
package server
