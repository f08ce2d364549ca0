// Package gate 实现模块更新确认的单槽状态机：
//
//	idle → offered → confirming → idle（随后触发重启）
//	              ↘ declined → idle
//
// 任意时刻至多只有一个待确认的更新。Confirm 依次执行
// 清除分包缓存 → 写入账本 → 持久化恢复导航意图 → 清空待确认更新 → 重启，
// 每一步完成后才开始下一步；缓存清除或意图持久化失败时回滚到 offered，
// 且不会触发重启。
package gate
