// Package migrate file: internal/migrate/validate.go
package migrate

import (
	"log"
	"strings"
)

// ValidateSchema 对租户库做结构性检查：
// 目录声明的表 / 索引 / 触发器必须存在，且代表性外键约束确实会拒绝非法写入。
// 它是开放连接上的纯谓词，没有自己的持久化状态，任何不匹配都只返回 false，
// 从不抛错——包括一次迁移都没跑过的情况。
func (e *Engine) ValidateSchema() bool {
	if e.checkConn() != nil {
		return false
	}
	if !e.hasVersionTable() {
		return false
	}
	current, err := e.queryCurrentVersion()
	if err != nil || current == 0 {
		return false
	}

	for _, obj := range e.catalog.requiredObjects(current) {
		if !e.objectExists(obj) {
			log.Printf("警告: [迁移] 租户 '%s' 结构校验失败: 缺少 %s %q。", e.tenantID, obj.kind, obj.name)
			return false
		}
	}

	if e.catalog.fkProbe != "" && current >= e.catalog.fkProbeSince {
		if !e.fkConstraintRejects() {
			log.Printf("警告: [迁移] 租户 '%s' 结构校验失败: 外键约束未生效。", e.tenantID)
			return false
		}
	}
	return true
}

// objectExists 在 sqlite_master 中查找指定类型与名称的对象。
func (e *Engine) objectExists(obj schemaObject) bool {
	var name string
	err := e.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = ? AND name = ?`, obj.kind, obj.name,
	).Scan(&name)
	return err == nil
}

// fkConstraintRejects 在事务内执行一条应当违反外键约束的探测 INSERT，
// 并无条件回滚。约束生效的标志是引擎报出 FOREIGN KEY 错误。
func (e *Engine) fkConstraintRejects() bool {
	tx, err := e.db.Begin()
	if err != nil {
		return false
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(e.catalog.fkProbe)
	if err == nil {
		// 非法插入居然成功，说明约束没有生效。
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "FOREIGN KEY")
}
