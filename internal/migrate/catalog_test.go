// file: internal/migrate/catalog_test.go

package migrate

import (
	"testing"

	"AgencyVault/internal/core/domain"
)

// -----------------------------------------------------------------------------
// Test: NewCatalog() 构建校验
// -----------------------------------------------------------------------------

func TestNewCatalog_Validation(t *testing.T) {
	valid := domain.Migration{Version: 1, Description: "ok", UpScript: "CREATE TABLE t (id INTEGER);"}

	t.Run("版本必须为正", func(t *testing.T) {
		if _, err := NewCatalog(domain.Migration{Version: 0, UpScript: "SELECT 1;"}); err == nil {
			t.Error("版本 0 应被拒绝")
		}
		if _, err := NewCatalog(domain.Migration{Version: -2, UpScript: "SELECT 1;"}); err == nil {
			t.Error("负版本应被拒绝")
		}
	})

	t.Run("版本不允许重复", func(t *testing.T) {
		dup := domain.Migration{Version: 1, Description: "dup", UpScript: "SELECT 1;"}
		if _, err := NewCatalog(valid, dup); err == nil {
			t.Error("重复版本应被拒绝")
		}
	})

	t.Run("up 脚本必填", func(t *testing.T) {
		if _, err := NewCatalog(domain.Migration{Version: 2, UpScript: "   \n  "}); err == nil {
			t.Error("空 up 脚本应被拒绝")
		}
	})

	t.Run("乱序输入自动按版本排序", func(t *testing.T) {
		c, err := NewCatalog(
			domain.Migration{Version: 3, UpScript: "SELECT 3;"},
			domain.Migration{Version: 1, UpScript: "SELECT 1;"},
			domain.Migration{Version: 2, UpScript: "SELECT 2;"},
		)
		if err != nil {
			t.Fatalf("NewCatalog 返回错误: %v", err)
		}
		all := c.All()
		for i, m := range all {
			if m.Version != i+1 {
				t.Errorf("位置 %d 的版本错误, got=%d, want=%d", i, m.Version, i+1)
			}
		}
	})
}

// -----------------------------------------------------------------------------
// Test: Pending() / Latest() / ByVersion()
// -----------------------------------------------------------------------------

func TestCatalog_Queries(t *testing.T) {
	c, err := NewCatalog(
		domain.Migration{Version: 1, UpScript: "SELECT 1;"},
		domain.Migration{Version: 2, UpScript: "SELECT 2;"},
		domain.Migration{Version: 4, UpScript: "SELECT 4;"},
	)
	if err != nil {
		t.Fatalf("NewCatalog 返回错误: %v", err)
	}

	if got := c.Latest(); got != 4 {
		t.Errorf("Latest() = %d, want 4", got)
	}

	if got := len(c.Pending(0)); got != 3 {
		t.Errorf("Pending(0) 数量错误, got=%d, want=3", got)
	}
	if got := len(c.Pending(2)); got != 1 {
		t.Errorf("Pending(2) 数量错误, got=%d, want=1", got)
	}
	if got := c.Pending(4); len(got) != 0 {
		t.Errorf("Pending(4) 应为空, got=%v", got)
	}

	if _, ok := c.ByVersion(2); !ok {
		t.Error("ByVersion(2) 应命中")
	}
	if _, ok := c.ByVersion(3); ok {
		t.Error("ByVersion(3) 不应命中")
	}

	empty, _ := NewCatalog()
	if got := empty.Latest(); got != 0 {
		t.Errorf("空目录的 Latest() = %d, want 0", got)
	}
}

// -----------------------------------------------------------------------------
// Test: Checksum() 规范化
// -----------------------------------------------------------------------------

func TestChecksum_Canonicalization(t *testing.T) {
	base := domain.Migration{
		Version:    1,
		UpScript:   "CREATE TABLE t (id INTEGER);",
		DownScript: "DROP TABLE t;",
	}

	t.Run("空白差异不影响校验和", func(t *testing.T) {
		reformatted := base
		reformatted.UpScript = "\n\n   CREATE TABLE t (id INTEGER);   \n"
		if Checksum(base) != Checksum(reformatted) {
			t.Error("仅有空白差异的脚本应得到相同校验和")
		}
	})

	t.Run("描述与版本不参与校验和", func(t *testing.T) {
		renamed := base
		renamed.Version = 99
		renamed.Description = "完全不同的描述"
		if Checksum(base) != Checksum(renamed) {
			t.Error("校验和应只覆盖脚本内容")
		}
	})

	t.Run("脚本内容变化改变校验和", func(t *testing.T) {
		changed := base
		changed.UpScript = "CREATE TABLE t (id INTEGER, extra TEXT);"
		if Checksum(base) == Checksum(changed) {
			t.Error("内容不同的脚本不应得到相同校验和")
		}
	})

	t.Run("up 与 down 的边界不可混淆", func(t *testing.T) {
		shifted := domain.Migration{
			Version:    1,
			UpScript:   "CREATE TABLE t (id INTEGER);\nDROP TABLE t;",
			DownScript: "",
		}
		if Checksum(base) == Checksum(shifted) {
			t.Error("up/down 内容相同但归属不同时校验和应不同")
		}
	})
}

// -----------------------------------------------------------------------------
// Test: requiredObjects() 结构期望解析
// -----------------------------------------------------------------------------

func TestCatalog_RequiredObjects(t *testing.T) {
	c := DefaultCatalog()

	find := func(objects []schemaObject, kind, name string) bool {
		for _, obj := range objects {
			if obj.kind == kind && obj.name == name {
				return true
			}
		}
		return false
	}

	t.Run("版本1只期望客户表及其索引", func(t *testing.T) {
		objects := c.requiredObjects(1)
		if !find(objects, "table", "customers") {
			t.Error("缺少 customers 表")
		}
		if !find(objects, "index", "idx_customers_name") {
			t.Error("缺少 idx_customers_name 索引")
		}
		if find(objects, "table", "orders") {
			t.Error("版本 1 不应期望 orders 表")
		}
	})

	t.Run("最新版本期望全部对象", func(t *testing.T) {
		objects := c.requiredObjects(c.Latest())
		expected := []schemaObject{
			{"table", "customers"},
			{"table", "products"},
			{"table", "orders"},
			{"table", "order_items"},
			{"table", "inventory_movements"},
			{"index", "idx_orders_customer"},
			{"trigger", "trg_orders_touch"},
			{"trigger", "trg_inventory_apply"},
		}
		for _, want := range expected {
			if !find(objects, want.kind, want.name) {
				t.Errorf("缺少期望对象 %s %q", want.kind, want.name)
			}
		}
	})

	t.Run("ALTER 语句不产生对象期望", func(t *testing.T) {
		v3 := c.requiredObjects(3)
		v4 := c.requiredObjects(4)
		if len(v3) != len(v4) {
			t.Errorf("版本 4 (纯 ALTER) 不应新增对象期望, v3=%d, v4=%d", len(v3), len(v4))
		}
	})
}
