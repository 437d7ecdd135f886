// file: internal/transport/http/router/router.go
package router

import (
	"AgencyVault/internal/avmiddleware"
	"AgencyVault/internal/avobserve"
	"AgencyVault/internal/core/port"
	"AgencyVault/internal/service"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// Dependencies 结构体用于将所有依赖项注入到路由器中
type Dependencies struct {
	Storage *service.StorageService
	Limiter *avmiddleware.OpsRateLimiter
}

// New 创建并配置存储核心的运维 HTTP 路由器。
// 这是外部协作层：只消费存储核心的程序化接口，不触碰池与引擎的内部。
func New(deps Dependencies) http.Handler {
	router := gin.Default()

	// --- 配置全局中间件 ---
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	if deps.Limiter != nil {
		router.Use(deps.Limiter.Middleware())
	}

	router.GET("/healthz", healthzHandler(deps.Storage))
	router.GET("/metrics", gin.WrapH(avobserve.Handler()))

	v1 := router.Group("/api/v1/storage")
	{
		v1.GET("/stats", statsHandler(deps.Storage))
		v1.GET("/tenants", tenantsHandler(deps.Storage))

		tenantGroup := v1.Group("/tenants/:tenantId")
		{
			tenantGroup.GET("/health", tenantHealthHandler(deps.Storage))
			tenantGroup.GET("/migrations", tenantMigrationsHandler(deps.Storage))
			tenantGroup.POST("/migrate", tenantMigrateHandler(deps.Storage))
			tenantGroup.POST("/switch", tenantSwitchHandler(deps.Storage))
		}

		v1.POST("/ops/sweep", sweepHandler(deps.Storage))
	}

	return router
}

// =============================================================================
//  处理器 (Handlers)
// =============================================================================

// healthzHandler 返回进程级健康状态与池快照。
func healthzHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pool": storage.Stats()})
	}
}

// statsHandler 返回按需计算的连接池状态快照。
func statsHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": storage.Stats()})
	}
}

// tenantsHandler 返回磁盘上已存在数据库文件的租户清单。
func tenantsHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenants, err := storage.ListTenants()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "扫描租户清单失败: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": tenants})
	}
}

// tenantHealthHandler 返回单个租户的连接健康与结构校验结果。
func tenantHealthHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenantId")
		healthy := storage.Health(tenantID)
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"tenant_id":    tenantID,
			"healthy":      healthy,
			"schema_valid": healthy && storage.ValidateTenant(tenantID),
		})
	}
}

// tenantMigrationsHandler 返回单个租户的 schema 状态快照。
func tenantMigrationsHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenantId")
		state, err := storage.TenantStatus(tenantID)
		if err != nil {
			respondStorageError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": state})
	}
}

// tenantMigrateHandler 将单个租户库推进到最新版本。
func tenantMigrateHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenantId")
		results, err := storage.MigrateTenant(tenantID)
		if err != nil {
			// 部分结果随错误一并返回，便于定位失败的版本。
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "results": results})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": results})
	}
}

// tenantSwitchHandler 将目标租户设为活动工作集 (触发容量裁剪)。
func tenantSwitchHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenantId")
		if err := storage.SwitchToAgency(tenantID); err != nil {
			respondStorageError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "active_tenant": tenantID})
	}
}

// sweepHandler 手动触发一轮失效连接清理。
func sweepHandler(storage *service.StorageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome := storage.Sweep()
		c.JSON(http.StatusOK, gin.H{"data": outcome})
	}
}

// respondStorageError 将存储核心的类型化错误映射为 HTTP 状态码。
func respondStorageError(c *gin.Context, err error) {
	var poolErr *port.PoolError
	switch {
	case errors.Is(err, port.ErrTenantIDInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, port.ErrPoolClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &poolErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "tenant_id": poolErr.TenantID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
