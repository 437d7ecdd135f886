// Package tenantdb — 多租户 SQLite 连接池
// internal/adapter/tenantdb/pool.go
package tenantdb

import (
	"AgencyVault/avconf"
	"AgencyVault/internal/avobserve"
	"AgencyVault/internal/core/domain"
	"AgencyVault/internal/core/port"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// 断言 *Pool 实现 port.ConnectionPool 接口，编译期校验
var _ port.ConnectionPool = (*Pool)(nil)

const (
	// activeWindow 内被使用过的连接在统计里计为 active。
	activeWindow = 5 * time.Minute

	// mmapSize 是每个连接的内存映射上限 (256 MiB)。
	mmapSize = 268435456
)

// Pool 是租户连接池的核心结构体。
// 它为每个租户 (agency) 独占持有一条到其数据库文件的连接，
// 负责创建、优化、复用、淘汰与关闭。
type Pool struct {
	mu sync.RWMutex

	// cfg 在构造后只读。
	cfg *avconf.StorageConfig

	// entries 存储所有缓存的租户连接，按租户标识组织。
	entries map[string]*cachedConn

	closed    bool
	sweepStop chan struct{}

	// 文件监控相关，用于在租户文件被外部删除时及时淘汰条目。
	watcherStop   func()
	eventTimers   map[string]*time.Timer
	eventTimersMu sync.Mutex
}

// NewPool 创建一个新的连接池并启动后台清理扫描。
func NewPool(cfg *avconf.StorageConfig) *Pool {
	if cfg == nil {
		cfg = avconf.Load()
	}
	p := &Pool{
		cfg:         cfg,
		entries:     make(map[string]*cachedConn),
		sweepStop:   make(chan struct{}),
		eventTimers: make(map[string]*time.Timer),
	}
	go p.sweepLoop()
	return p
}

/*
================================================================================
  进程级单例 (显式生命周期，测试可重置)
================================================================================
*/

var (
	defaultPool *Pool
	defaultMu   sync.Mutex
)

// Default 返回惰性初始化的进程级连接池。
// 构造由 defaultMu 保护，而不是隐式的全局可变状态。
func Default(cfg *avconf.StorageConfig) *Pool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool == nil {
		defaultPool = NewPool(cfg)
	}
	return defaultPool
}

// ResetDefault 关停并丢弃进程级单例，主要供测试使用。
func ResetDefault() domain.CleanupOutcome {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool == nil {
		return domain.CleanupOutcome{}
	}
	outcome := defaultPool.Shutdown()
	defaultPool = nil
	return outcome
}

// DataDir 返回租户数据库文件所在的目录。
func (p *Pool) DataDir() string { return p.cfg.DataDir }

/*
================================================================================
  连接获取
================================================================================
*/

// GetConnection 返回租户的有效连接。
// 缓存命中且通过有效性检查时刷新 lastUsedAt 并直接复用；
// 失效条目被丢弃并透明重建，调用者不会观察到陈旧状态。
// opts 只在新建连接时生效，对已缓存的连接无影响。
// 有效性探测 (最长 2s) 在池锁之外执行，锁只覆盖条目的安装与移除。
func (p *Pool) GetConnection(tenantID string, opts *domain.ConnectionOptions) (*sql.DB, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, port.ErrPoolClosed
	}
	entry := p.entries[tenantID]
	var db *sql.DB
	var lastUsed time.Time
	if entry != nil {
		db = entry.db
		lastUsed = entry.lastUsedAt
	}
	p.mu.RUnlock()

	if entry != nil {
		if isEntryValid(db, lastUsed, p.cfg.IdleEviction) {
			p.mu.Lock()
			// 探测期间条目可能已被并发丢弃或替换，只刷新仍然在位的那一个。
			if current, exists := p.entries[tenantID]; exists && current == entry && !p.closed {
				current.lastUsedAt = time.Now()
				current.active = true
				p.mu.Unlock()
				return current.db, nil
			}
			p.mu.Unlock()
		} else {
			// 失效条目：内部自愈，不向调用者暴露错误。
			log.Printf("信息: [连接池] 租户 '%s' 的缓存连接已失效，丢弃并重建。", tenantID)
			p.mu.Lock()
			if current, exists := p.entries[tenantID]; exists && current == entry {
				_ = p.discardLocked(tenantID, current)
			}
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, port.ErrPoolClosed
	}
	if current, exists := p.entries[tenantID]; exists {
		// 并发调用已经重建了条目，直接复用。
		current.lastUsedAt = time.Now()
		current.active = true
		return current.db, nil
	}
	return p.createLocked(tenantID, opts)
}

// SwitchToAgency 将目标租户设为活动工作集：
// 先做容量裁剪 (为新条目预留位置)，再委托给 GetConnection。
func (p *Pool) SwitchToAgency(tenantID string) (*sql.DB, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, port.ErrPoolClosed
	}
	limit := p.cfg.MaxConnections
	if _, cached := p.entries[tenantID]; !cached {
		// 为即将创建的条目预留一个名额，保证调用结束后总数不超上限。
		limit--
	}
	if outcome := p.evictExcessLocked(limit); len(outcome.Closed) > 0 || len(outcome.Failed) > 0 {
		log.Printf("信息: [连接池] 切换租户 '%s' 前的容量裁剪: 关闭 %d, 失败 %d。",
			tenantID, len(outcome.Closed), len(outcome.Failed))
	}
	p.mu.Unlock()

	return p.GetConnection(tenantID, nil)
}

// TestConnection 执行一次轻量往返探测；任何失败都只返回 false，从不抛错。
func (p *Pool) TestConnection(tenantID string) bool {
	db, err := p.GetConnection(tenantID, nil)
	if err != nil {
		return false
	}
	return probe(db)
}

// createLocked 打开并优化一条新的租户连接。调用前必须持有写锁。
// 任何一步失败都会清理半成品资源，绝不把未完成初始化的条目放入缓存。
func (p *Pool) createLocked(tenantID string, opts *domain.ConnectionOptions) (*sql.DB, error) {
	path, err := ResolvePath(p.cfg.DataDir, tenantID)
	if err != nil {
		// 创建路径上的所有失败共用一个类型化错误；ErrTenantIDInvalid 仍可经 Unwrap 命中。
		return nil, &port.PoolError{Kind: port.PoolErrBadPath, TenantID: tenantID, Err: err}
	}

	if err := ensureDataDir(p.cfg.DataDir); err != nil {
		avobserve.PoolCreationFailures.Inc()
		return nil, &port.PoolError{Kind: port.PoolErrDirFailed, TenantID: tenantID, Err: err}
	}

	busyTimeout := p.cfg.BusyTimeout
	readOnly := false
	if opts != nil {
		if opts.BusyTimeout > 0 {
			busyTimeout = opts.BusyTimeout
		}
		readOnly = opts.ReadOnly
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=ON",
		path, busyTimeout.Milliseconds())
	if readOnly {
		dsn += "&mode=ro"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		avobserve.PoolCreationFailures.Inc()
		return nil, &port.PoolError{Kind: port.PoolErrCreationFailed, TenantID: tenantID, Err: err}
	}

	// 底层引擎不支持跨 OS 线程的并发写，单连接串行化每个租户的语句执行。
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db, busyTimeout, readOnly); err != nil {
		_ = db.Close()
		avobserve.PoolCreationFailures.Inc()
		return nil, &port.PoolError{Kind: port.PoolErrCreationFailed, TenantID: tenantID, Err: err}
	}

	p.entries[tenantID] = &cachedConn{
		tenantID:   tenantID,
		db:         db,
		filePath:   path,
		lastUsedAt: time.Now(),
		active:     true,
	}
	avobserve.PoolConnectionsCreated.Inc()
	avobserve.PoolOpenConnections.Set(float64(len(p.entries)))
	log.Printf("信息: [连接池] 成功打开租户数据库: %s -> %s", tenantID, path)
	return db, nil
}

// applyPragmas 对新连接应用固定的性能 / 一致性 PRAGMA 集。
func applyPragmas(db *sql.DB, busyTimeout time.Duration, readOnly bool) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA mmap_size=%d", mmapSize),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
	}
	if readOnly {
		// 只读连接上 WAL 切换会失败，跳过日志模式设置。
		pragmas = pragmas[1:]
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("应用 %q 失败: %w", pragma, err)
		}
	}
	return nil
}

/*
================================================================================
  淘汰与清理
================================================================================
*/

// discardLocked 关闭并移除一个条目，返回关闭错误 (可能为 nil)。
// 调用前必须持有写锁。
func (p *Pool) discardLocked(tenantID string, entry *cachedConn) error {
	var err error
	if entry != nil && entry.db != nil {
		err = entry.db.Close()
	}
	delete(p.entries, tenantID)
	avobserve.PoolConnectionsEvicted.Inc()
	avobserve.PoolOpenConnections.Set(float64(len(p.entries)))
	return err
}

// evictExcessLocked 按 lastUsedAt 升序淘汰最旧的条目，直到总数不超过 limit。
// 这是纯粹的最久未用淘汰：除时间戳刷新外没有读提升。调用前必须持有写锁。
func (p *Pool) evictExcessLocked(limit int) domain.CleanupOutcome {
	outcome := domain.CleanupOutcome{}
	if limit < 0 {
		limit = 0
	}
	if len(p.entries) <= limit {
		return outcome
	}

	ordered := make([]*cachedConn, 0, len(p.entries))
	for _, entry := range p.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].lastUsedAt.Before(ordered[j].lastUsedAt)
	})

	for _, entry := range ordered {
		if len(p.entries) <= limit {
			break
		}
		if err := p.discardLocked(entry.tenantID, entry); err != nil {
			// 关闭是逐条目尽力而为的，失败不会中止对其余条目的处理。
			log.Printf("警告: [连接池] 淘汰租户 '%s' 的连接时关闭失败: %v", entry.tenantID, err)
			outcome.Failed = append(outcome.Failed, domain.CloseFailure{
				TenantID: entry.tenantID, Reason: err.Error(),
			})
			continue
		}
		outcome.Closed = append(outcome.Closed, entry.tenantID)
	}
	return outcome
}

// Sweep 扫描全部条目并关闭未通过有效性检查的连接，与容量无关。
// 防止静默死亡的连接 (例如文件被外部删除) 缓慢泄漏。
// 全部条目的探测在锁外串行执行，锁只在快照与逐条移除时短暂持有。
func (p *Pool) Sweep() domain.CleanupOutcome {
	type candidate struct {
		tenantID string
		entry    *cachedConn
		db       *sql.DB
		lastUsed time.Time
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return domain.CleanupOutcome{}
	}
	candidates := make([]candidate, 0, len(p.entries))
	for tenantID, entry := range p.entries {
		candidates = append(candidates, candidate{tenantID, entry, entry.db, entry.lastUsedAt})
	}
	p.mu.RUnlock()

	outcome := domain.CleanupOutcome{}
	for _, c := range candidates {
		if isEntryValid(c.db, c.lastUsed, p.cfg.IdleEviction) {
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return outcome
		}
		current, exists := p.entries[c.tenantID]
		if !exists || current != c.entry {
			// 探测期间条目已被丢弃或重建，交给新条目自己的生命周期。
			p.mu.Unlock()
			continue
		}
		err := p.discardLocked(c.tenantID, current)
		p.mu.Unlock()
		if err != nil {
			log.Printf("警告: [连接池] 清理租户 '%s' 的失效连接时关闭失败: %v", c.tenantID, err)
			outcome.Failed = append(outcome.Failed, domain.CloseFailure{
				TenantID: c.tenantID, Reason: err.Error(),
			})
			continue
		}
		outcome.Closed = append(outcome.Closed, c.tenantID)
	}
	return outcome
}

// sweepLoop 是后台清理守护 goroutine。
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			outcome := p.Sweep()
			if len(outcome.Closed) > 0 || len(outcome.Failed) > 0 {
				log.Printf("信息: [连接池] 周期清理完成: 关闭 %d, 失败 %d。",
					len(outcome.Closed), len(outcome.Failed))
			}
		case <-p.sweepStop:
			return
		}
	}
}

/*
================================================================================
  状态与关停
================================================================================
*/

// Stats 返回按需计算的池状态快照，从不存储为权威状态。
func (p *Pool) Stats() domain.PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := domain.PoolStats{TotalConnections: len(p.entries)}
	now := time.Now()
	for _, entry := range p.entries {
		if entry.active && now.Sub(entry.lastUsedAt) <= activeWindow {
			stats.ActiveConnections++
		}
		if entry.lastUsedAt.After(stats.LastActivityAt) {
			stats.LastActivityAt = entry.lastUsedAt
		}
	}
	stats.IdleConnections = stats.TotalConnections - stats.ActiveConnections
	return stats
}

// Shutdown 停止后台清理与文件监视器，并关闭全部缓存连接。
// 幂等：重复调用或从未启动时调用都是安全的。
func (p *Pool) Shutdown() domain.CleanupOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := domain.CleanupOutcome{}
	if p.closed {
		return outcome
	}
	p.closed = true
	close(p.sweepStop)
	if p.watcherStop != nil {
		p.watcherStop()
		p.watcherStop = nil
	}

	for tenantID, entry := range p.entries {
		if err := p.discardLocked(tenantID, entry); err != nil {
			log.Printf("警告: [连接池] 关停时关闭租户 '%s' 的连接失败: %v", tenantID, err)
			outcome.Failed = append(outcome.Failed, domain.CloseFailure{
				TenantID: tenantID, Reason: err.Error(),
			})
			continue
		}
		outcome.Closed = append(outcome.Closed, tenantID)
	}
	log.Printf("信息: [连接池] 已关停: 关闭 %d, 失败 %d。", len(outcome.Closed), len(outcome.Failed))
	return outcome
}
