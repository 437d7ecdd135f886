// file: internal/service/storage_service.go
package service

import (
	"AgencyVault/internal/adapter/tenantdb"
	"AgencyVault/internal/core/domain"
	"AgencyVault/internal/migrate"
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// migrateAllConcurrency 限制跨租户迁移的并发度。
// 租户之间相互独立，可以并行；单个租户内部始终严格串行。
const migrateAllConcurrency = 4

// StorageService 是存储核心的编排层：
// 面向上层 (IPC / ops 路由) 暴露租户清单、批量迁移与健康检查。
type StorageService struct {
	pool    *tenantdb.Pool
	catalog *migrate.Catalog

	// healthCache 缓存每个租户的探测结果，避免健康端点高频触发真实往返。
	healthCache *cache.Cache
}

// NewStorageService 创建存储编排服务。
func NewStorageService(pool *tenantdb.Pool, catalog *migrate.Catalog) *StorageService {
	if catalog == nil {
		catalog = migrate.DefaultCatalog()
	}
	return &StorageService{
		pool:        pool,
		catalog:     catalog,
		healthCache: cache.New(30*time.Second, 5*time.Minute),
	}
}

// ListTenants 扫描数据目录，返回磁盘上已存在数据库文件的租户清单。
func (s *StorageService) ListTenants() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.pool.DataDir(), "*.db"))
	if err != nil {
		return nil, fmt.Errorf("扫描数据目录失败: %w", err)
	}
	tenants := make([]string, 0, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		if name != "" {
			tenants = append(tenants, name)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// MigrateTenant 将单个租户库推进到目录的最新版本。
func (s *StorageService) MigrateTenant(tenantID string) ([]domain.MigrationResult, error) {
	db, err := s.pool.GetConnection(tenantID, nil)
	if err != nil {
		return nil, err
	}
	engine := migrate.NewEngine(db, tenantID, s.catalog)
	return engine.Migrate()
}

// MigrateAll 并行地将所有已知租户推进到最新版本。
// 单个租户的失败不影响其它租户；首个失败的错误在全部完成后返回，
// 结果映射始终包含每个已尝试租户的结果列表。
func (s *StorageService) MigrateAll(ctx context.Context) (map[string][]domain.MigrationResult, error) {
	tenants, err := s.ListTenants()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string][]domain.MigrationResult, len(tenants))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(migrateAllConcurrency)
	for _, tenantID := range tenants {
		tenantID := tenantID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tenantResults, err := s.MigrateTenant(tenantID)
			mu.Lock()
			results[tenantID] = tenantResults
			mu.Unlock()
			if err != nil {
				log.Printf("错误: [存储服务] 租户 '%s' 启动迁移失败: %v。该租户的数据在修复前不应对外提供。",
					tenantID, err)
				return err
			}
			return nil
		})
	}
	return results, g.Wait()
}

// TenantStatus 返回单个租户的 schema 状态快照。
func (s *StorageService) TenantStatus(tenantID string) (*domain.SchemaState, error) {
	db, err := s.pool.GetConnection(tenantID, nil)
	if err != nil {
		return nil, err
	}
	return migrate.NewEngine(db, tenantID, s.catalog).Status()
}

// ValidateTenant 报告租户库的结构是否完好。
func (s *StorageService) ValidateTenant(tenantID string) bool {
	db, err := s.pool.GetConnection(tenantID, nil)
	if err != nil {
		return false
	}
	return migrate.NewEngine(db, tenantID, s.catalog).ValidateSchema()
}

// Health 报告租户连接是否可用，结果带 TTL 缓存。
func (s *StorageService) Health(tenantID string) bool {
	if cached, found := s.healthCache.Get(tenantID); found {
		return cached.(bool)
	}
	ok := s.pool.TestConnection(tenantID)
	s.healthCache.Set(tenantID, ok, cache.DefaultExpiration)
	return ok
}

// Stats 透传连接池状态快照。
func (s *StorageService) Stats() domain.PoolStats { return s.pool.Stats() }

// Sweep 手动触发一轮失效连接清理。
func (s *StorageService) Sweep() domain.CleanupOutcome { return s.pool.Sweep() }

// SwitchToAgency 透传连接池的活动租户切换。
func (s *StorageService) SwitchToAgency(tenantID string) error {
	_, err := s.pool.SwitchToAgency(tenantID)
	return err
}
