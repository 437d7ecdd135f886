// Package tenantdb file: internal/adapter/tenantdb/path.go
package tenantdb

import (
	"AgencyVault/internal/core/port"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// tenantIDSanitizer 只保留字母、数字、短横线与下划线。
// 路径分隔符、点号等一律被剥除，保证租户标识永远无法逃出数据目录。
var tenantIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeTenantID 清洗租户标识中的文件系统危险字符。
func SanitizeTenantID(tenantID string) string {
	return tenantIDSanitizer.ReplaceAllString(tenantID, "")
}

// ResolvePath 将租户标识映射到规范的磁盘数据库文件路径。
// 清洗后为空的标识被拒绝，返回 port.ErrTenantIDInvalid。
func ResolvePath(dataDir, tenantID string) (string, error) {
	clean := SanitizeTenantID(tenantID)
	if clean == "" {
		return "", fmt.Errorf("租户标识 %q 清洗后为空: %w", tenantID, port.ErrTenantIDInvalid)
	}
	return filepath.Join(filepath.Clean(dataDir), clean+".db"), nil
}

// ensureDataDir 确保数据目录存在。
func ensureDataDir(dataDir string) error {
	return os.MkdirAll(filepath.Clean(dataDir), 0o755)
}
