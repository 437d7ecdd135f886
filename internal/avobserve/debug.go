// Package avobserve file: internal/avobserve/debug.go
package avobserve

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

// EnablePprof 在独立的监听地址上暴露 /debug/pprof 端点。
// 地址来自配置 (server.pprof_addr)，为空表示关闭。
// 调试端点与运维路由器分开监听，pprof 永远不经过业务中间件链。
func EnablePprof(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("pprof 调试端点已启动", "address", addr)
		if err := server.ListenAndServe(); err != nil {
			slog.Error("pprof 调试端点退出", "error", err)
		}
	}()
}
