// Package migrations 内嵌 MySQL 的建表脚本，并按版本号给出执行顺序。
package migrations

import (
	"cmp"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Migration 是一个迁移文件，Version 取文件名中第一个下划线之前的部分。
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// Load 读取全部内嵌迁移并按版本升序返回，空文件会被跳过。
func Load() ([]Migration, error) {
	return load(files)
}

func load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		stmts := Split(string(raw))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, Migration{Version: Version(name), Name: name, Statements: stmts})
	}
	slices.SortFunc(out, func(a, b Migration) int {
		return cmp.Or(cmp.Compare(a.Version, b.Version), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

// Split 按分号拆分语句并去掉空白语句。
func Split(content string) []string {
	var stmts []string
	for _, part := range strings.Split(content, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Version 从文件名中提取版本号。
func Version(name string) string {
	name = strings.TrimSuffix(name, ".sql")
	if before, _, ok := strings.Cut(name, "_"); ok && before != "" {
		return before
	}
	return name
}
