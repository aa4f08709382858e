package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "ToolMind/internal/errors"

	_ "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
)

const (
	// DriverMySQL 使用 go-sql-driver/mysql。
	DriverMySQL = "mysql"
	// DriverSQLite 使用纯 Go 的 SQLite 驱动，适合单机部署与测试。
	DriverSQLite = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// DB 包装 *sql.DB 并记录驱动类型，供各仓库共享。
type DB struct {
	db     *sql.DB
	driver string
}

// Open 建立连接并校验可用性，AutoMigrate 为 true 时同时执行迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver != DriverMySQL && driver != DriverSQLite {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的数据库驱动: %s", cfg.Driver))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}

	switch {
	case driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:"):
		// 每个连接都有独立的内存库，只能保留一个连接。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else if driver == DriverMySQL {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	store := &DB{db: db, driver: driver}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// Driver 返回驱动名称。
func (d *DB) Driver() string { return d.driver }

// Close 关闭连接池。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// isDuplicate 判断是否为主键或唯一索引冲突。
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if stdErrors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func storageError(err error, message string) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
