// file: avconf/config_test.go

package avconf

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("VAULT_DATA_DIR", "")
	t.Setenv("VAULT_MAX_CONNECTIONS", "")
	t.Setenv("VAULT_IDLE_EVICTION", "")
	t.Setenv("VAULT_SWEEP_INTERVAL", "")
	t.Setenv("VAULT_BUSY_TIMEOUT", "")

	cfg := Load()
	if cfg.DataDir != "instance" {
		t.Errorf("DataDir 默认值错误, got=%q", cfg.DataDir)
	}
	if cfg.MaxConnections != 10 {
		t.Errorf("MaxConnections 默认值错误, got=%d", cfg.MaxConnections)
	}
	if cfg.IdleEviction != 30*time.Minute {
		t.Errorf("IdleEviction 默认值错误, got=%s", cfg.IdleEviction)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("SweepInterval 默认值错误, got=%s", cfg.SweepInterval)
	}
	if cfg.BusyTimeout != 10*time.Second {
		t.Errorf("BusyTimeout 默认值错误, got=%s", cfg.BusyTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VAULT_DATA_DIR", "/srv/vault/data")
	t.Setenv("VAULT_MAX_CONNECTIONS", "25")
	t.Setenv("VAULT_IDLE_EVICTION", "10m")
	t.Setenv("VAULT_SWEEP_INTERVAL", "1m")
	t.Setenv("VAULT_BUSY_TIMEOUT", "3s")

	cfg := Load()
	if cfg.DataDir != "/srv/vault/data" {
		t.Errorf("DataDir 覆盖失败, got=%q", cfg.DataDir)
	}
	if cfg.MaxConnections != 25 {
		t.Errorf("MaxConnections 覆盖失败, got=%d", cfg.MaxConnections)
	}
	if cfg.IdleEviction != 10*time.Minute {
		t.Errorf("IdleEviction 覆盖失败, got=%s", cfg.IdleEviction)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval 覆盖失败, got=%s", cfg.SweepInterval)
	}
	if cfg.BusyTimeout != 3*time.Second {
		t.Errorf("BusyTimeout 覆盖失败, got=%s", cfg.BusyTimeout)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("VAULT_MAX_CONNECTIONS", "not-a-number")
	t.Setenv("VAULT_IDLE_EVICTION", "-5m")
	t.Setenv("VAULT_SWEEP_INTERVAL", "soon")
	t.Setenv("VAULT_BUSY_TIMEOUT", "0s")

	cfg := Load()
	if cfg.MaxConnections != 10 {
		t.Errorf("非法 MaxConnections 应回退默认值, got=%d", cfg.MaxConnections)
	}
	if cfg.IdleEviction != 30*time.Minute {
		t.Errorf("非法 IdleEviction 应回退默认值, got=%s", cfg.IdleEviction)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("非法 SweepInterval 应回退默认值, got=%s", cfg.SweepInterval)
	}
	if cfg.BusyTimeout != 10*time.Second {
		t.Errorf("非法 BusyTimeout 应回退默认值, got=%s", cfg.BusyTimeout)
	}
}

func TestLoad_MaxConnectionsBounds(t *testing.T) {
	t.Setenv("VAULT_MAX_CONNECTIONS", "99999")
	if cfg := Load(); cfg.MaxConnections != 10 {
		t.Errorf("超出上界的 MaxConnections 应回退默认值, got=%d", cfg.MaxConnections)
	}

	t.Setenv("VAULT_MAX_CONNECTIONS", "0")
	if cfg := Load(); cfg.MaxConnections != 10 {
		t.Errorf("0 连接数应回退默认值, got=%d", cfg.MaxConnections)
	}
}
