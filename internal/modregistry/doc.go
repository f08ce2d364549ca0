// Package modregistry 保存"模块 id → 远程地址 + 远程版本"的当前视图。
//
// 注册表由多个来源独立刷新（配置文件中的静态模块、远程分包列表），
// 因此 Upsert 只合并传入的条目，不会删除本批次中没有出现的模块。
// 刷新失败时调用方不调用 Upsert，注册表保持上一次成功的内容。
package modregistry
