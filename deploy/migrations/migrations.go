package migrations

import "embed"

// Files 暴露周期日志的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
