// Package migrations предоставляет встроенные SQL-миграции в формате golang-migrate.
package migrations

import "embed"

// Files содержит все .sql файлы из этой директории (порядок по номеру версии: 000001, 000002, ...).
//
//go:embed *.sql
var Files embed.FS
