// Package avconf 负责存储核心的集中式配置加载

package avconf

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StorageConfig 结构体，所有字段均为显式枚举的配置项
type StorageConfig struct {
	DataDir        string        // 租户数据库文件所在目录
	MaxConnections int           // 池内同时缓存的连接上限
	IdleEviction   time.Duration // 空闲多久后连接视为失效
	SweepInterval  time.Duration // 后台清理扫描周期
	BusyTimeout    time.Duration // SQLite busy_timeout 默认值
}

const (
	defaultMaxConnections = 10
	defaultIdleEviction   = 30 * time.Minute
	defaultSweepInterval  = 5 * time.Minute
	defaultBusyTimeout    = 10 * time.Second
)

// Load 从环境变量加载存储配置，返回合并结果
func Load() *StorageConfig {
	cfg := &StorageConfig{
		DataDir:        "instance",
		MaxConnections: defaultMaxConnections,
		IdleEviction:   defaultIdleEviction,
		SweepInterval:  defaultSweepInterval,
		BusyTimeout:    defaultBusyTimeout,
	}

	if dir := os.Getenv("VAULT_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if raw := os.Getenv("VAULT_MAX_CONNECTIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1024 {
			cfg.MaxConnections = v
		} else {
			fmt.Printf("⚠️  VAULT_MAX_CONNECTIONS 非法，回退 %d\n", defaultMaxConnections)
		}
	}
	if raw := os.Getenv("VAULT_IDLE_EVICTION"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.IdleEviction = d
		} else {
			fmt.Printf("⚠️  VAULT_IDLE_EVICTION 非法，回退 %s\n", defaultIdleEviction)
		}
	}
	if raw := os.Getenv("VAULT_SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.SweepInterval = d
		} else {
			fmt.Printf("⚠️  VAULT_SWEEP_INTERVAL 非法，回退 %s\n", defaultSweepInterval)
		}
	}
	if raw := os.Getenv("VAULT_BUSY_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.BusyTimeout = d
		} else {
			fmt.Printf("⚠️  VAULT_BUSY_TIMEOUT 非法，回退 %s\n", defaultBusyTimeout)
		}
	}

	return cfg
}
