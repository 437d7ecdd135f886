// Package domain file: internal/core/domain/storage.go
package domain

import "time"

/*
================================================================================

	租户存储核心数据模型

================================================================================
*/

// ConnectionOptions 是打开单个租户数据库时的显式配置项。
// 每个字段的效果在调用点有说明，不使用松散的 map 选项包。
type ConnectionOptions struct {
	// ReadOnly 为 true 时以只读模式打开数据库文件。
	ReadOnly bool

	// BusyTimeout 映射到 SQLite 的 busy_timeout PRAGMA，
	// 控制文件锁竞争时的等待上限。零值使用池的默认值 (约10s)。
	BusyTimeout time.Duration
}

// PoolStats 是连接池状态的只读快照，按需计算，从不作为权威状态存储。
type PoolStats struct {
	TotalConnections  int       `json:"total_connections"`
	ActiveConnections int       `json:"active_connections"`
	IdleConnections   int       `json:"idle_connections"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// CloseFailure 记录一次尽力而为关闭中失败的条目。
type CloseFailure struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// CleanupOutcome 是一次清理扫描 (容量淘汰 / 周期清理 / 关停) 的显式结果。
// 关闭是逐条目尽力而为的，失败不会中止对其余条目的处理，
// 因此结果需要同时携带成功与失败两个列表，便于上层与测试断言。
type CleanupOutcome struct {
	Closed []string       `json:"closed"`
	Failed []CloseFailure `json:"failed"`
}

/*
================================================================================

	Schema 迁移数据模型

================================================================================
*/

// Migration 是一次命名的、有序的 schema 变更。
// 版本在构建期确定，引擎在运行期从不发明或重排版本号。
type Migration struct {
	// Version 为正整数，严格递增且唯一。
	Version int

	// Description 是给人看的说明文字，不参与校验和计算。
	Description string

	// UpScript 是一条或多条前进语句，必填。
	UpScript string

	// DownScript 是可选的回退语句。为空表示该迁移按设计不可逆。
	DownScript string
}

// Irreversible 报告该迁移是否没有回退脚本。
func (m Migration) Irreversible() bool {
	return m.DownScript == ""
}

// RollbackOptions 控制一次回滚的行为。
type RollbackOptions struct {
	// AcknowledgeIrreversible 必须为 true 才允许回滚跨越没有回退脚本的迁移：
	// 这类版本的记录会被删除，但其 schema 效果无法被撤销，
	// 数据库会处于与 schema_version 不一致的状态。调用方必须显式确认。
	AcknowledgeIrreversible bool
}

// MigrationRecord 对应租户库内 schema_version 表中的一行，
// 在迁移的 up 脚本提交时写入，在该版本被回滚时删除。
type MigrationRecord struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
	AppliedBy   string    `json:"applied_by"`
	Checksum    string    `json:"checksum"`
}

// MigrationResult 描述一次迁移 (或回滚) 尝试的结果，按执行顺序返回。
type MigrationResult struct {
	Version     int           `json:"version"`
	Description string        `json:"description"`
	Success     bool          `json:"success"`
	Direction   string        `json:"direction"` // "up" 或 "down"
	Duration    time.Duration `json:"duration"`
	ExecutedAt  time.Time     `json:"executed_at"`

	// Irreversible 标记一次没有回退脚本的回滚：记录被删除但 schema 未被还原。
	Irreversible bool `json:"irreversible,omitempty"`

	// Error 在 Success 为 false 时携带失败原因的文本。
	Error string `json:"error,omitempty"`
}

// SchemaState 是派生的、不落盘的 schema 状态快照。
type SchemaState struct {
	TenantID          string            `json:"tenant_id"`
	CurrentVersion    int               `json:"current_version"`
	LatestVersion     int               `json:"latest_version"`
	PendingMigrations int               `json:"pending_migrations"`
	AppliedMigrations []MigrationRecord `json:"applied_migrations"`
}

// UpToDate 报告该租户库是否已追平目录中的最新版本。
func (s SchemaState) UpToDate() bool {
	return s.CurrentVersion >= s.LatestVersion
}
