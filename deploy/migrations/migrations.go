package migrations

import "embed"

// Files 包含账本与验证任务两组表的版本化迁移脚本，文件名前缀即版本号。
//
//go:embed *.sql
var Files embed.FS
