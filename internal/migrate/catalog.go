// Package migrate — 租户数据库的 schema 迁移引擎
// internal/migrate/catalog.go
package migrate

import (
	"AgencyVault/internal/core/domain"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Catalog 是构建期确定的、有序且带校验和的 schema 变更目录。
// 引擎在运行期从不发明或重排版本号。
type Catalog struct {
	migrations []domain.Migration

	// fkProbe 是一条应当被外键约束拒绝的代表性 INSERT，
	// 供 schema 校验器验证约束确实在生效。
	fkProbe string

	// fkProbeSince 是 fkProbe 所依赖的表出现的版本。
	fkProbeSince int
}

// NewCatalog 校验并构建一个迁移目录。
// 版本必须为正、严格递增且唯一；up 脚本必填。
func NewCatalog(migrations ...domain.Migration) (*Catalog, error) {
	sorted := make([]domain.Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	prev := 0
	for _, m := range sorted {
		if m.Version <= 0 {
			return nil, fmt.Errorf("迁移版本必须为正整数, got=%d", m.Version)
		}
		if m.Version == prev {
			return nil, fmt.Errorf("迁移版本 %d 重复", m.Version)
		}
		if strings.TrimSpace(m.UpScript) == "" {
			return nil, fmt.Errorf("迁移 %d 缺少 up 脚本", m.Version)
		}
		prev = m.Version
	}
	return &Catalog{migrations: sorted}, nil
}

// All 返回按版本升序排列的全部迁移副本。
func (c *Catalog) All() []domain.Migration {
	out := make([]domain.Migration, len(c.migrations))
	copy(out, c.migrations)
	return out
}

// Latest 返回目录已知的最大版本，空目录为 0。
func (c *Catalog) Latest() int {
	if len(c.migrations) == 0 {
		return 0
	}
	return c.migrations[len(c.migrations)-1].Version
}

// ByVersion 按版本号查找迁移。
func (c *Catalog) ByVersion(version int) (domain.Migration, bool) {
	for _, m := range c.migrations {
		if m.Version == version {
			return m, true
		}
	}
	return domain.Migration{}, false
}

// Pending 返回版本大于 current 的迁移，升序。
func (c *Catalog) Pending(current int) []domain.Migration {
	var out []domain.Migration
	for _, m := range c.migrations {
		if m.Version > current {
			out = append(out, m)
		}
	}
	return out
}

/*
================================================================================
  校验和
================================================================================
*/

// Checksum 计算迁移脚本规范内容的确定性哈希。
// 只覆盖 up/down 脚本本身，不含描述与版本号：两个独立构建的引擎实例
// 面对同一份目录必须为同一版本算出相同的值，这是漂移检测的基础。
func Checksum(m domain.Migration) string {
	canonical := canonicalScript(m.UpScript) + "\n--\n" + canonicalScript(m.DownScript)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalScript 逐行去除首尾空白并丢弃空行，消除无语义的格式差异。
func canonicalScript(script string) string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lines = append(lines, trimmed)
	}
	return strings.Join(lines, "\n")
}

/*
================================================================================
  结构期望 (供 schema 校验器使用)
================================================================================
*/

// schemaObject 是目录脚本声明创建的一个数据库对象。
type schemaObject struct {
	kind string // "table" / "index" / "trigger"
	name string
}

var createObjectRe = regexp.MustCompile(
	`(?im)^\s*CREATE\s+(?:UNIQUE\s+)?(TABLE|INDEX|TRIGGER)\s+(?:IF\s+NOT\s+EXISTS\s+)?["']?(\w+)["']?`)

// requiredObjects 解析版本 ≤ current 的 up 脚本，返回期望存在的对象集合。
func (c *Catalog) requiredObjects(current int) []schemaObject {
	var objects []schemaObject
	for _, m := range c.migrations {
		if m.Version > current {
			break
		}
		for _, match := range createObjectRe.FindAllStringSubmatch(m.UpScript, -1) {
			objects = append(objects, schemaObject{
				kind: strings.ToLower(match[1]),
				name: match[2],
			})
		}
	}
	return objects
}

/*
================================================================================
  内置目录：分销业务域
================================================================================
*/

// DefaultCatalog 返回内置的租户数据库迁移目录。
// 注意: 目录内容属于发布物的一部分，任何改动都会改变对应版本的校验和。
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(
		domain.Migration{
			Version:     1,
			Description: "创建客户表",
			UpScript: `
CREATE TABLE customers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    phone TEXT,
    address TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX idx_customers_name ON customers(name);`,
			DownScript: `
DROP INDEX idx_customers_name;
DROP TABLE customers;`,
		},
		domain.Migration{
			Version:     2,
			Description: "创建商品表",
			UpScript: `
CREATE TABLE products (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sku TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    unit_price_cents INTEGER NOT NULL DEFAULT 0,
    stock INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX idx_products_name ON products(name);`,
			DownScript: `
DROP INDEX idx_products_name;
DROP TABLE products;`,
		},
		domain.Migration{
			Version:     3,
			Description: "创建订单与订单明细表",
			UpScript: `
CREATE TABLE orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_no TEXT NOT NULL UNIQUE,
    customer_id INTEGER NOT NULL REFERENCES customers(id),
    status TEXT NOT NULL DEFAULT 'PENDING',
    total_cents INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE TABLE order_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
    product_id INTEGER NOT NULL REFERENCES products(id),
    quantity INTEGER NOT NULL,
    unit_price_cents INTEGER NOT NULL
);
CREATE INDEX idx_orders_customer ON orders(customer_id);
CREATE INDEX idx_order_items_order ON order_items(order_id);
CREATE TRIGGER trg_orders_touch AFTER UPDATE OF status, total_cents ON orders
BEGIN
    UPDATE orders SET updated_at = strftime('%s','now') WHERE id = NEW.id;
END;`,
			DownScript: `
DROP TRIGGER trg_orders_touch;
DROP INDEX idx_order_items_order;
DROP INDEX idx_orders_customer;
DROP TABLE order_items;
DROP TABLE orders;`,
		},
		domain.Migration{
			Version:     4,
			Description: "订单表增加折扣列",
			// 旧版 SQLite 不支持 DROP COLUMN，该迁移按设计不可逆。
			UpScript: `
ALTER TABLE orders ADD COLUMN discount_cents INTEGER NOT NULL DEFAULT 0;`,
		},
		domain.Migration{
			Version:     5,
			Description: "创建库存流水表及库存维护触发器",
			UpScript: `
CREATE TABLE inventory_movements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    product_id INTEGER NOT NULL REFERENCES products(id),
    delta INTEGER NOT NULL,
    reason TEXT NOT NULL,
    recorded_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX idx_inventory_movements_product ON inventory_movements(product_id);
CREATE TRIGGER trg_inventory_apply AFTER INSERT ON inventory_movements
BEGIN
    UPDATE products SET stock = stock + NEW.delta WHERE id = NEW.product_id;
END;`,
			DownScript: `
DROP TRIGGER trg_inventory_apply;
DROP INDEX idx_inventory_movements_product;
DROP TABLE inventory_movements;`,
		},
	)
	if err != nil {
		// 内置目录在构建期校验，到达这里说明发布物本身损坏。
		panic(fmt.Sprintf("内置迁移目录非法: %v", err))
	}
	catalog.fkProbe = `INSERT INTO orders(order_no, customer_id) VALUES ('__fk_probe__', -424242)`
	catalog.fkProbeSince = 3
	return catalog
}
