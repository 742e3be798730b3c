// Package log 提供统一日志接口
//
// 基于 Go 标准库 log/slog 封装，提供简洁的日志 API。
// 各模块通过 log.Logger("core/xxx") 获取带命名空间的 logger。
package log

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// 默认 logger
var (
	mu            sync.RWMutex
	defaultLogger = slog.Default()
)

// 日志级别常量（从 slog 导出，方便使用）
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger 返回带命名空间的 logger
//
// name 约定为模块路径，如 "core/connmgr"、"core/dht/saf"。
func Logger(name string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger.With("module", name)
}

// SetDefault 设置默认 logger
func SetDefault(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
	slog.SetDefault(l)
}

// Default 返回默认 logger
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// New 创建新的 logger
func New(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSON 创建 JSON 格式的 logger
func NewJSON(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetOutput 设置日志输出目标
func SetOutput(w io.Writer) {
	SetDefault(New(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// SetOutputWithLevel 同时设置日志输出目标和级别
func SetOutputWithLevel(w io.Writer, level slog.Level) {
	SetDefault(New(w, &slog.HandlerOptions{Level: level}))
}

// Discard 返回丢弃所有输出的 logger，用于测试
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func init() {
	// 默认输出到 stderr，INFO 级别
	defaultLogger = New(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
}
