// Package mysql 保存每轮挖矿的结果日志。
//
// 配置 DSN 时写入 MySQL，并在启动时执行内嵌的 schema 迁移；否则退化为本地
// JSONL 文件。日志只用于审计和看板展示，编排器的恢复不依赖它。
package mysql
