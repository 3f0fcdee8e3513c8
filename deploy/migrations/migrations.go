package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

// Migration 是一条按文件名排序执行的 DDL 语句。
type Migration struct {
	Name string
	SQL  string
}

// Ordered 按文件名顺序返回全部迁移。每个文件只包含一条语句，MySQL 与 SQLite 通用。
func Ordered() ([]Migration, error) {
	names, err := fs.Glob(Files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		raw, err := Files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		stmt := strings.TrimSuffix(strings.TrimSpace(string(raw)), ";")
		if stmt == "" {
			continue
		}
		out = append(out, Migration{Name: name, SQL: stmt})
	}
	return out, nil
}
