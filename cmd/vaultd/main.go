// file: cmd/vaultd/main.go

package main

import (
	"AgencyVault/avconf"
	"AgencyVault/internal/adapter/tenantdb"
	"AgencyVault/internal/avmiddleware"
	"AgencyVault/internal/avobserve"
	"AgencyVault/internal/migrate"
	"AgencyVault/internal/service"
	"AgencyVault/internal/transport/http/router"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	_ "modernc.org/sqlite"
)

const version = "v1.0.0-alpha2"

type ServerConfig struct {
	Port      int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	LogLevel  string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	PprofAddr string `mapstructure:"pprof_addr" validate:"omitempty,hostname_port"`
}

type StorageSection struct {
	DataDir        string        `mapstructure:"data_dir"`
	MaxConnections int           `mapstructure:"max_connections" validate:"omitempty,min=1,max=1024"`
	IdleEviction   time.Duration `mapstructure:"idle_eviction" validate:"omitempty,min=1s"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"omitempty,min=1s"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout" validate:"omitempty,min=100ms"`
}

type RateLimitConfig struct {
	GlobalRate  float64 `mapstructure:"global_rate" validate:"omitempty,gt=0"`
	GlobalBurst int     `mapstructure:"global_burst" validate:"omitempty,min=1"`
	IPRate      float64 `mapstructure:"ip_rate" validate:"omitempty,gt=0"`
	IPBurst     int     `mapstructure:"ip_burst" validate:"omitempty,min=1"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Storage   StorageSection  `mapstructure:"storage"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// loadConfig 优先读取 configs/config.yaml；文件不存在时回退到环境变量加载。
// 两条路径的产物相同：经过校验的 Config 加上池用的 StorageConfig。
func loadConfig(rootDir string) (*Config, *avconf.StorageConfig, error) {
	config := &Config{
		Server: ServerConfig{Port: 8674, LogLevel: "info"},
		RateLimit: RateLimitConfig{
			GlobalRate: 50, GlobalBurst: 100, IPRate: 10, IPBurst: 20,
		},
	}

	configFilePath := filepath.Join(rootDir, "configs", "config.yaml")
	if _, err := os.Stat(configFilePath); err == nil {
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("读取配置文件 '%s' 失败: %w", configFilePath, err)
		}
		if err := viper.Unmarshal(config); err != nil {
			return nil, nil, fmt.Errorf("解析配置到结构体失败: %w", err)
		}
		log.Printf("信息: [启动] 配置加载成功: %s", configFilePath)
	} else {
		log.Printf("信息: [启动] 未找到配置文件 '%s'，回退到环境变量配置。", configFilePath)
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, nil, fmt.Errorf("配置校验失败: %w", err)
	}

	// 环境变量永远参与：yaml 缺省的存储字段由 avconf 的默认值补齐。
	storageCfg := avconf.Load()
	if config.Storage.DataDir != "" {
		storageCfg.DataDir = config.Storage.DataDir
	}
	if config.Storage.MaxConnections > 0 {
		storageCfg.MaxConnections = config.Storage.MaxConnections
	}
	if config.Storage.IdleEviction > 0 {
		storageCfg.IdleEviction = config.Storage.IdleEviction
	}
	if config.Storage.SweepInterval > 0 {
		storageCfg.SweepInterval = config.Storage.SweepInterval
	}
	if config.Storage.BusyTimeout > 0 {
		storageCfg.BusyTimeout = config.Storage.BusyTimeout
	}
	if !filepath.IsAbs(storageCfg.DataDir) {
		storageCfg.DataDir = filepath.Join(rootDir, storageCfg.DataDir)
	}
	return config, storageCfg, nil
}

func main() {
	// 在日志系统完全初始化前，使用标准 log
	log.Printf("AgencyVault Storage Core %s 正在启动...", version)

	rootDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("CRITICAL: 无法获取工作目录: %v", err)
	}

	config, storageCfg, err := loadConfig(rootDir)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	avobserve.InitLogger(config.Server.LogLevel)
	avobserve.Register()
	slog.Info("AgencyVault storage core starting up", "version", version)
	slog.Info("检测到项目根目录", "path", rootDir)
	slog.Info("租户数据目录", "path", storageCfg.DataDir)

	pool := tenantdb.Default(storageCfg)
	defer func() {
		outcome := pool.Shutdown()
		slog.Info("连接池已关停", "closed", len(outcome.Closed), "failed", len(outcome.Failed))
	}()

	if err := pool.StartWatcher(); err != nil {
		// 监视器只是周期清理的加速器，失败可以降级运行。
		slog.Warn("文件监视器启动失败，回退到纯周期清理", "error", err)
	}

	storage := service.NewStorageService(pool, migrate.DefaultCatalog())
	slog.Info("服务层: StorageService 初始化完成")

	// 启动迁移：把磁盘上所有已知租户推进到最新版本。
	// 单个租户失败不阻止启动，失败租户已在服务层留下错误日志。
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	results, err := storage.MigrateAll(bootCtx)
	bootCancel()
	if err != nil {
		slog.Error("启动迁移存在失败的租户，对应租户暂不可用", "error", err)
	}
	applied := 0
	for _, tenantResults := range results {
		applied += len(tenantResults)
	}
	slog.Info("启动迁移完成", "tenants", len(results), "migrations_applied", applied)

	rateLimiter := avmiddleware.NewOpsRateLimiter(
		config.RateLimit.GlobalRate, config.RateLimit.GlobalBurst,
		config.RateLimit.IPRate, config.RateLimit.IPBurst,
	)
	slog.Info("服务层: OpsRateLimiter 初始化完成")

	httpRouter := router.New(router.Dependencies{
		Storage: storage,
		Limiter: rateLimiter,
	})
	slog.Info("传输层: HTTP 路由器创建完成。")

	addr := fmt.Sprintf(":%d", config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: httpRouter,
	}

	go func() {
		slog.Info("AgencyVault 存储核心启动成功，开始监听HTTP请求...", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	avobserve.EnablePprof(config.Server.PprofAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("收到停机信号，准备优雅关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP服务优雅关闭失败", "error", err)
	} else {
		slog.Info("HTTP服务已成功关闭。")
	}
	slog.Info("程序即将退出。")
}
