// Package avobserve file: internal/avobserve/logging.go
package avobserve

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger 初始化进程级的 slog JSON 日志器，返回生效的级别。
// 应在 main 的早期调用一次。源码位置只在 debug 级别附带，
// 存储核心的常规日志量不需要为每条记录付出调用栈解析的代价。
func InitLogger(levelStr string) slog.Level {
	level := parseLevel(levelStr)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})
	slog.SetDefault(slog.New(handler))
	return level
}

// parseLevel 解析配置中的日志级别字符串，未知值回退到 info。
func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "", "info":
		return slog.LevelInfo
	default:
		slog.Warn("未知的日志级别，回退到 info", "level", levelStr)
		return slog.LevelInfo
	}
}
