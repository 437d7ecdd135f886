// Package migrate file: internal/migrate/engine.go
package migrate

import (
	"AgencyVault/internal/avobserve"
	"AgencyVault/internal/core/domain"
	"AgencyVault/internal/core/port"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// 断言 *Engine 实现 port.MigrationEngine 接口，编译期校验
var _ port.MigrationEngine = (*Engine)(nil)

// versionTable 是每个租户库内记录已应用迁移的表，唯一的真实来源。
const versionTable = "schema_version"

const createVersionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at INTEGER NOT NULL,
    applied_by TEXT NOT NULL,
    checksum TEXT NOT NULL
);`

// statusCache 缓存 schema 状态快照。
// Status 被健康检查高频调用，而状态只在 migrate/rollback 后才会变化。
// 键包含连接句柄的身份：租户文件被外部删除后池会重建出全新的数据库，
// 同名租户的新连接绝不能命中旧数据库的快照。
var statusCache = lru.NewLRU[string, *domain.SchemaState](256, nil, 30*time.Second)

// Engine 将一个租户连接带到目标 schema 版本。
// 它只要求句柄能执行语句与事务，不依赖连接池的内部结构。
type Engine struct {
	db        *sql.DB
	tenantID  string
	catalog   *Catalog
	appliedBy string
	cacheKey  string
}

// NewEngine 创建一个绑定到给定租户连接的迁移引擎。
func NewEngine(db *sql.DB, tenantID string, catalog *Catalog) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Engine{
		db:        db,
		tenantID:  tenantID,
		catalog:   catalog,
		appliedBy: computeAppliedBy(),
		cacheKey:  fmt.Sprintf("%s@%p", tenantID, db),
	}
}

// computeAppliedBy 生成写入 applied_by 的执行方标识: user@host#实例ID。
func computeAppliedBy() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "vaultd"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%s#%s", user, host, uuid.NewString()[:8])
}

// checkConn 验证绑定的连接可用；失效的连接让所有操作立即失败。
func (e *Engine) checkConn() error {
	if e.db == nil {
		return port.ErrConnectionClosed
	}
	if err := e.db.Ping(); err != nil {
		return fmt.Errorf("租户 '%s': %w: %v", e.tenantID, port.ErrConnectionClosed, err)
	}
	return nil
}

// ensureVersionTable 创建迁移记录表 (若不存在)。
// 这是幂等的引导步骤，本身不算一次有版本号的迁移。
func (e *Engine) ensureVersionTable() error {
	if _, err := e.db.Exec(createVersionTableSQL); err != nil {
		return fmt.Errorf("租户 '%s' 创建 %s 表失败: %w", e.tenantID, versionTable, err)
	}
	return nil
}

/*
================================================================================
  迁移
================================================================================
*/

// Migrate 将租户库从当前版本顺序推进到目录的最新版本。
// 每个迁移的 up 脚本与它的记录写入发生在同一个事务内；
// 首个失败即中止，返回包含失败条目的部分结果列表。
func (e *Engine) Migrate() ([]domain.MigrationResult, error) {
	if err := e.checkConn(); err != nil {
		return nil, err
	}
	if err := e.ensureVersionTable(); err != nil {
		return nil, err
	}
	current, err := e.queryCurrentVersion()
	if err != nil {
		return nil, err
	}

	pending := e.catalog.Pending(current)
	if len(pending) == 0 {
		return []domain.MigrationResult{}, nil
	}
	log.Printf("信息: [迁移] 租户 '%s' 当前版本 %d, 待应用 %d 个迁移。", e.tenantID, current, len(pending))

	var results []domain.MigrationResult
	for _, m := range pending {
		result, err := e.applyUp(m)
		results = append(results, result)
		if err != nil {
			statusCache.Remove(e.cacheKey)
			return results, err
		}
	}
	statusCache.Remove(e.cacheKey)
	return results, nil
}

// applyUp 在单个事务内执行一个迁移的 up 脚本并写入其记录。
func (e *Engine) applyUp(m domain.Migration) (domain.MigrationResult, error) {
	start := time.Now()
	result := domain.MigrationResult{
		Version:     m.Version,
		Description: m.Description,
		Direction:   "up",
		ExecutedAt:  start,
	}

	fail := func(err error) (domain.MigrationResult, error) {
		result.Duration = time.Since(start)
		result.Error = err.Error()
		avobserve.MigrationsFailed.Inc()
		log.Printf("错误: [迁移] 租户 '%s' 版本 %d 应用失败: %v", e.tenantID, m.Version, err)
		return result, &port.MigrationError{
			TenantID: e.tenantID, Version: m.Version, Direction: "up", Err: err,
		}
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fail(fmt.Errorf("开启事务失败: %w", err))
	}
	if _, err := tx.Exec(m.UpScript); err != nil {
		_ = tx.Rollback()
		return fail(fmt.Errorf("执行 up 脚本失败: %w", err))
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_version (version, description, applied_at, applied_by, checksum) VALUES (?, ?, ?, ?, ?)`,
		m.Version, m.Description, start.UTC().Unix(), e.appliedBy, Checksum(m),
	); err != nil {
		_ = tx.Rollback()
		return fail(fmt.Errorf("写入迁移记录失败: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("提交事务失败: %w", err))
	}

	result.Success = true
	result.Duration = time.Since(start)
	avobserve.MigrationsApplied.Inc()
	avobserve.MigrationDuration.Observe(result.Duration.Seconds())
	log.Printf("信息: [迁移] 租户 '%s' 版本 %d (%s) 应用成功, 耗时 %s。",
		e.tenantID, m.Version, m.Description, result.Duration)
	return result, nil
}

/*
================================================================================
  回滚
================================================================================
*/

// Rollback 将租户库回退到 targetVersion (不含)，按版本降序逐个撤销。
// 目标必须严格小于当前版本，且是目录认可的下界 (0 或某个目录版本)。
// 跨越不可逆迁移时必须显式设置 opts.AcknowledgeIrreversible。
func (e *Engine) Rollback(targetVersion int, opts domain.RollbackOptions) ([]domain.MigrationResult, error) {
	if err := e.checkConn(); err != nil {
		return nil, err
	}
	if err := e.ensureVersionTable(); err != nil {
		return nil, err
	}
	current, err := e.queryCurrentVersion()
	if err != nil {
		return nil, err
	}

	if targetVersion >= current {
		return nil, &port.MigrationValidationError{
			TargetVersion: targetVersion, CurrentVersion: current,
			Reason: "回滚目标必须严格小于当前版本",
		}
	}
	if targetVersion < 0 {
		return nil, &port.MigrationValidationError{
			TargetVersion: targetVersion, CurrentVersion: current,
			Reason: "回滚目标不能为负数",
		}
	}
	if targetVersion != 0 {
		if _, ok := e.catalog.ByVersion(targetVersion); !ok {
			return nil, &port.MigrationValidationError{
				TargetVersion: targetVersion, CurrentVersion: current,
				Reason: "回滚目标不是目录认可的版本",
			}
		}
	}

	records, err := e.queryRecordsDesc(targetVersion)
	if err != nil {
		return nil, err
	}

	// 预检：待回滚的版本必须都在目录中；跨越不可逆迁移需要显式确认。
	span := make([]domain.Migration, 0, len(records))
	for _, rec := range records {
		m, ok := e.catalog.ByVersion(rec.Version)
		if !ok {
			return nil, &port.MigrationValidationError{
				TargetVersion: targetVersion, CurrentVersion: current,
				Reason: fmt.Sprintf("已应用版本 %d 不在目录中，目录可能已漂移", rec.Version),
			}
		}
		if m.Irreversible() && !opts.AcknowledgeIrreversible {
			return nil, &port.MigrationValidationError{
				TargetVersion: targetVersion, CurrentVersion: current,
				Reason: fmt.Sprintf("版本 %d 不可逆 (无 down 脚本)，回滚需要显式确认", m.Version),
			}
		}
		span = append(span, m)
	}

	log.Printf("信息: [迁移] 租户 '%s' 从版本 %d 回滚到 %d, 共 %d 个迁移。",
		e.tenantID, current, targetVersion, len(span))

	var results []domain.MigrationResult
	for _, m := range span {
		result, err := e.applyDown(m)
		results = append(results, result)
		if err != nil {
			statusCache.Remove(e.cacheKey)
			return results, err
		}
	}
	statusCache.Remove(e.cacheKey)
	return results, nil
}

// applyDown 在单个事务内执行一个迁移的 down 脚本并删除其记录。
// 没有 down 脚本的迁移只删除记录并打上 Irreversible 标记：
// 它的 schema 效果无法被撤销，数据库相对 schema_version 处于不一致状态。
func (e *Engine) applyDown(m domain.Migration) (domain.MigrationResult, error) {
	start := time.Now()
	result := domain.MigrationResult{
		Version:      m.Version,
		Description:  m.Description,
		Direction:    "down",
		ExecutedAt:   start,
		Irreversible: m.Irreversible(),
	}

	fail := func(err error) (domain.MigrationResult, error) {
		result.Duration = time.Since(start)
		result.Error = err.Error()
		avobserve.MigrationsFailed.Inc()
		log.Printf("错误: [迁移] 租户 '%s' 版本 %d 回滚失败: %v", e.tenantID, m.Version, err)
		return result, &port.MigrationError{
			TenantID: e.tenantID, Version: m.Version, Direction: "down", Err: err,
		}
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fail(fmt.Errorf("开启事务失败: %w", err))
	}
	if !m.Irreversible() {
		if _, err := tx.Exec(m.DownScript); err != nil {
			_ = tx.Rollback()
			return fail(fmt.Errorf("执行 down 脚本失败: %w", err))
		}
	} else {
		log.Printf("警告: [迁移] 租户 '%s' 版本 %d 无 down 脚本，仅删除记录，schema 效果保留。",
			e.tenantID, m.Version)
	}
	if _, err := tx.Exec(`DELETE FROM schema_version WHERE version = ?`, m.Version); err != nil {
		_ = tx.Rollback()
		return fail(fmt.Errorf("删除迁移记录失败: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("提交事务失败: %w", err))
	}

	result.Success = true
	result.Duration = time.Since(start)
	log.Printf("信息: [迁移] 租户 '%s' 版本 %d 回滚成功, 耗时 %s。", e.tenantID, m.Version, result.Duration)
	return result, nil
}

/*
================================================================================
  状态查询
================================================================================
*/

// CurrentVersion 返回已持久化的最大版本，无任何记录时为 0。
func (e *Engine) CurrentVersion() (int, error) {
	if err := e.checkConn(); err != nil {
		return 0, err
	}
	if err := e.ensureVersionTable(); err != nil {
		return 0, err
	}
	return e.queryCurrentVersion()
}

func (e *Engine) queryCurrentVersion() (int, error) {
	var version int
	err := e.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("租户 '%s' 查询当前版本失败: %w", e.tenantID, err)
	}
	return version, nil
}

// Status 返回派生的 schema 状态快照。
// 快照经由带 TTL 的 LRU 缓存提供，在 migrate/rollback 后失效。
// 连接检查在缓存查找之前：失效的连接绝不返回陈旧的成功结果。
// 返回的始终是独立副本，缓存内部的状态不对调用方暴露。
func (e *Engine) Status() (*domain.SchemaState, error) {
	if err := e.checkConn(); err != nil {
		return nil, err
	}
	if cached, ok := statusCache.Get(e.cacheKey); ok {
		return copySchemaState(cached), nil
	}

	if err := e.ensureVersionTable(); err != nil {
		return nil, err
	}

	records, err := e.queryRecordsAsc()
	if err != nil {
		return nil, err
	}
	current := 0
	if len(records) > 0 {
		current = records[len(records)-1].Version
	}
	state := &domain.SchemaState{
		TenantID:          e.tenantID,
		CurrentVersion:    current,
		LatestVersion:     e.catalog.Latest(),
		PendingMigrations: len(e.catalog.Pending(current)),
		AppliedMigrations: records,
	}
	statusCache.Add(e.cacheKey, state)
	return copySchemaState(state), nil
}

// copySchemaState 深拷贝快照，记录切片一并复制。
func copySchemaState(s *domain.SchemaState) *domain.SchemaState {
	out := *s
	out.AppliedMigrations = append([]domain.MigrationRecord(nil), s.AppliedMigrations...)
	return &out
}

// AppliedChecksum 返回某个已应用版本持久化的校验和，供漂移检测比对。
func (e *Engine) AppliedChecksum(version int) (string, error) {
	if err := e.checkConn(); err != nil {
		return "", err
	}
	var checksum string
	err := e.db.QueryRow(`SELECT checksum FROM schema_version WHERE version = ?`, version).Scan(&checksum)
	if err != nil {
		return "", fmt.Errorf("租户 '%s' 查询版本 %d 的校验和失败: %w", e.tenantID, version, err)
	}
	return checksum, nil
}

func (e *Engine) queryRecordsAsc() ([]domain.MigrationRecord, error) {
	return e.queryRecords(`SELECT version, description, applied_at, applied_by, checksum
		FROM schema_version ORDER BY version ASC`)
}

func (e *Engine) queryRecordsDesc(above int) ([]domain.MigrationRecord, error) {
	return e.queryRecords(`SELECT version, description, applied_at, applied_by, checksum
		FROM schema_version WHERE version > ? ORDER BY version DESC`, above)
}

func (e *Engine) queryRecords(query string, args ...any) ([]domain.MigrationRecord, error) {
	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("租户 '%s' 查询迁移记录失败: %w", e.tenantID, err)
	}
	defer rows.Close()

	records := make([]domain.MigrationRecord, 0)
	for rows.Next() {
		var rec domain.MigrationRecord
		var appliedAt int64
		if err := rows.Scan(&rec.Version, &rec.Description, &appliedAt, &rec.AppliedBy, &rec.Checksum); err != nil {
			return nil, fmt.Errorf("租户 '%s' 扫描迁移记录失败: %w", e.tenantID, err)
		}
		rec.AppliedAt = time.Unix(appliedAt, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// hasVersionTable 检查 schema_version 表是否已存在 (不做任何写入)。
func (e *Engine) hasVersionTable() bool {
	var name string
	err := e.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, versionTable,
	).Scan(&name)
	return err == nil && strings.EqualFold(name, versionTable)
}
