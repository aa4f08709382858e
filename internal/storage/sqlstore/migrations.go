package sqlstore

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"ToolMind/deploy/migrations"
	"ToolMind/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

type migrationFile struct {
	version    string
	name       string
	statements []string
}

// Migrate 按版本顺序执行尚未应用的内嵌迁移，每个文件一个事务。
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return storageError(err, "创建 schema_migrations 表失败")
	}

	applied, err := d.AppliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return err
	}

	log := logger.Named("sqlstore")
	for _, m := range files {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := d.applyMigration(ctx, m); err != nil {
			return err
		}
		log.Info("已执行数据库迁移", "version", m.version, "file", m.name, "driver", d.driver)
	}
	return nil
}

// AppliedVersions 返回已经执行过的迁移版本。
func (d *DB) AppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, storageError(err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, storageError(err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (d *DB) applyMigration(ctx context.Context, m migrationFile) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return storageError(err, fmt.Sprintf("执行迁移 %s 失败", m.name))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return storageError(err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []migrationFile
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

// splitSQLStatements 以分号切分语句，迁移文件中不应出现包含分号的字符串字面量。
func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
