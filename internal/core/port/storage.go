// Package port file: internal/core/port/storage.go
package port

import (
	"AgencyVault/internal/core/domain"
	"database/sql"
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrTenantIDInvalid 表示租户标识在清洗后为空，无法映射到磁盘文件。
	ErrTenantIDInvalid = errors.New("非法的租户标识")

	// ErrPoolClosed 表示连接池已经关停，拒绝新的连接请求。
	ErrPoolClosed = errors.New("连接池已关闭")

	// ErrConnectionClosed 表示迁移引擎绑定的数据库连接不可用。
	ErrConnectionClosed = errors.New("数据库连接未打开或已失效")
)

// PoolErrorKind 区分连接池错误的类别。
type PoolErrorKind string

const (
	PoolErrCreationFailed PoolErrorKind = "creation_failed"
	PoolErrDirFailed      PoolErrorKind = "dir_creation_failed"
	PoolErrBadPath        PoolErrorKind = "bad_path"
)

// PoolError 是连接池对调用者暴露的类型化错误，携带诊断所需的租户上下文。
type PoolError struct {
	Kind     PoolErrorKind
	TenantID string
	Err      error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("连接池错误 (kind=%s, tenant=%s): %v", e.Kind, e.TenantID, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// MigrationError 表示某个版本的迁移脚本在事务中执行失败。
// 事务已回滚：schema 变更与记录均未落盘。
type MigrationError struct {
	TenantID  string
	Version   int
	Direction string // "up" 或 "down"
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("迁移失败 (tenant=%s, version=%d, direction=%s): %v",
		e.TenantID, e.Version, e.Direction, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// MigrationValidationError 表示调用方请求了非法的回滚目标，
// 在任何数据库 I/O 之前即被拒绝。
type MigrationValidationError struct {
	TargetVersion  int
	CurrentVersion int
	Reason         string
}

func (e *MigrationValidationError) Error() string {
	return fmt.Sprintf("非法的回滚目标 %d (当前版本 %d): %s",
		e.TargetVersion, e.CurrentVersion, e.Reason)
}

// ConnectionPool 是连接池对仓储层 / IPC 层暴露的程序化接口。
// 实现必须保证每个租户在任一时刻至多持有一个缓存连接。
type ConnectionPool interface {
	// GetConnection 返回租户的有效连接；缓存失效时透明重建。
	GetConnection(tenantID string, opts *domain.ConnectionOptions) (*sql.DB, error)

	// SwitchToAgency 先做容量裁剪再取连接，用于切换活动租户。
	SwitchToAgency(tenantID string) (*sql.DB, error)

	// TestConnection 执行一次轻量往返探测；从不返回错误。
	TestConnection(tenantID string) bool

	// Stats 返回按需计算的池状态快照。
	Stats() domain.PoolStats

	// Shutdown 停止后台清理并关闭全部缓存连接，幂等。
	Shutdown() domain.CleanupOutcome
}

// MigrationEngine 是迁移引擎对外的程序化接口，绑定到单个租户连接。
type MigrationEngine interface {
	Migrate() ([]domain.MigrationResult, error)
	Rollback(targetVersion int, opts domain.RollbackOptions) ([]domain.MigrationResult, error)
	CurrentVersion() (int, error)
	Status() (*domain.SchemaState, error)
	ValidateSchema() bool
}
