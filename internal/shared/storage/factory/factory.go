// Package factory 根据配置选择持久化实现
//
// 支持的驱动：
//   - sqlite（默认）：repository.Store + driver/sqlite，启动时自动建表
//   - postgres：repository.Store + driver/postgres，启动时自动建表
//   - mongo：mongostore.Store，需副本集以支持事务
//   - none：storage.NoOpStore，状态只存在内存中
package factory

import (
	"context"
	"fmt"
	"log"

	"angel-master/internal/config"
	"angel-master/internal/shared/storage"
	"angel-master/internal/shared/storage/dbutil"
	pgdriver "angel-master/internal/shared/storage/driver/postgres"
	sqlitedriver "angel-master/internal/shared/storage/driver/sqlite"
	"angel-master/internal/shared/storage/mongostore"
	"angel-master/internal/shared/storage/repository"
)

// Open 按 cfg.DatabaseDriver 创建持久化存储
func Open(ctx context.Context, cfg *config.Config) (storage.PersistentStore, error) {
	driver := dbutil.DriverType(cfg.DatabaseDriver)
	if driver == "" {
		driver = dbutil.DriverSQLite
	}
	store, err := OpenDSN(ctx, driver, cfg.DatabaseURL, cfg.DatabaseDBName)
	if err != nil {
		return nil, err
	}
	log.Printf("[storage.open] driver=%s", driver)
	return store, nil
}

// OpenDSN 根据驱动类型和 DSN 创建持久化存储，dbName 只对 mongo 生效
func OpenDSN(ctx context.Context, driver dbutil.DriverType, dsn, dbName string) (storage.PersistentStore, error) {
	switch driver {
	case dbutil.DriverSQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
		db, err := sqlitedriver.Open(dsn)
		if err != nil {
			return nil, err
		}
		return migrate(ctx, repository.NewStore(db, sqlitedriver.NewDialect()))
	case dbutil.DriverPostgres:
		db, err := pgdriver.Open(dsn)
		if err != nil {
			return nil, err
		}
		return migrate(ctx, repository.NewStore(db, pgdriver.NewDialect()))
	case dbutil.DriverMongoDB:
		s, err := mongostore.NewStore(dsn, dbName)
		if err != nil {
			return nil, err
		}
		return s, nil
	case dbutil.DriverNone:
		return storage.NewNoOpStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func migrate(ctx context.Context, s *repository.Store) (storage.PersistentStore, error) {
	if err := s.Dialect().AutoMigrate(ctx, s.DB()); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s auto-migrate failed: %w", s.Dialect().DriverType(), err)
	}
	return s, nil
}
