// Package tenantdb file: internal/adapter/tenantdb/watcher.go
package tenantdb

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDuration 是文件系统事件的防抖延迟。
const debounceDuration = 2 * time.Second

// StartWatcher 启动文件系统监视器。
// 租户数据库文件被外部删除或改名时，对应的缓存条目会被立即淘汰，
// 而不必等待下一轮周期清理。这是对周期清理的补充，不是替代。
func (p *Pool) StartWatcher() error {
	if err := ensureDataDir(p.cfg.DataDir); err != nil {
		return fmt.Errorf("创建数据目录 '%s' 失败: %w", p.cfg.DataDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建 fsnotify watcher 失败: %w", err)
	}

	// Goroutine to handle events
	go func() {
		defer watcher.Close()
		log.Printf("信息: [连接池] 文件监视 goroutine 已启动。")
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					log.Printf("警告: [连接池] 文件监视器事件通道已关闭。")
					return
				}
				p.handleFsEvent(event)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					log.Printf("警告: [连接池] 文件监视器错误通道已关闭。")
					return
				}
				log.Printf("错误: [连接池] 文件监视器报告错误: %v", errWatch)
			}
		}
	}()

	if err := watcher.Add(filepath.Clean(p.cfg.DataDir)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("添加数据目录 '%s' 到监视器失败: %w", p.cfg.DataDir, err)
	}

	p.mu.Lock()
	p.watcherStop = func() { _ = watcher.Close() }
	p.mu.Unlock()

	log.Printf("信息: [连接池] 已成功添加数据目录 '%s' 到监视器。", p.cfg.DataDir)
	return nil
}

// handleFsEvent 处理单个文件系统事件。
// 只有 .db 文件的删除 / 改名才值得关心：写入事件来自我们自己的连接。
func (p *Pool) handleFsEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	cleanPath := filepath.Clean(event.Name)
	if !strings.HasSuffix(strings.ToLower(cleanPath), ".db") {
		return
	}

	// Debounce the event to handle rapid changes gracefully
	p.eventTimersMu.Lock()
	defer p.eventTimersMu.Unlock()
	if timer, exists := p.eventTimers[cleanPath]; exists {
		timer.Stop()
	}
	p.eventTimers[cleanPath] = time.AfterFunc(debounceDuration, func() {
		p.processDebouncedEvent(cleanPath)
		p.eventTimersMu.Lock()
		delete(p.eventTimers, cleanPath)
		p.eventTimersMu.Unlock()
	})
}

// processDebouncedEvent 在防抖后实际处理 .db 文件的删除。
func (p *Pool) processDebouncedEvent(path string) {
	// 防抖窗口内文件可能又被重建 (例如原子替换)，此时交给有效性探测处理。
	if _, err := os.Stat(path); err == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for tenantID, entry := range p.entries {
		if filepath.Clean(entry.filePath) != path {
			continue
		}
		log.Printf("信息: [连接池] 租户 '%s' 的数据库文件已被外部删除，淘汰缓存条目。", tenantID)
		if err := p.discardLocked(tenantID, entry); err != nil {
			log.Printf("警告: [连接池] 淘汰租户 '%s' 时关闭失败: %v", tenantID, err)
		}
		return
	}
}
