package rpc

import "errors"

var (
	// ErrTooManySessions 会话数超限
	ErrTooManySessions = errors.New("too many rpc sessions")

	// ErrUnknownMethod 未注册的方法
	ErrUnknownMethod = errors.New("unknown rpc method")

	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("rpc session closed")

	// ErrRemote 对端返回错误
	ErrRemote = errors.New("rpc remote error")
)
