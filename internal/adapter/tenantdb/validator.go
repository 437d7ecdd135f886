// Package tenantdb file: internal/adapter/tenantdb/validator.go
package tenantdb

import (
	"context"
	"database/sql"
	"time"
)

// probeTimeout 是有效性探测查询的时间上限。
const probeTimeout = 2 * time.Second

// cachedConn 表示池内一条到租户数据库的活跃连接。
// handle 由池独占持有，每个租户任一时刻至多存在一个条目。
type cachedConn struct {
	tenantID   string
	db         *sql.DB
	filePath   string
	lastUsedAt time.Time
	active     bool
}

// isEntryValid 是查找与清理共用的纯谓词：
// 底层句柄已关闭、空闲超过阈值、或往返探测失败，条目即视为失效。
// 参数是持锁时取好的快照，探测本身在池锁之外执行。
func isEntryValid(db *sql.DB, lastUsedAt time.Time, idleTTL time.Duration) bool {
	if db == nil {
		return false
	}
	if time.Since(lastUsedAt) > idleTTL {
		return false
	}
	return probe(db)
}

// probe 对连接执行一次轻量往返查询，任何失败都返回 false，从不抛错。
func probe(db *sql.DB) bool {
	if db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false
	}
	return one == 1
}
