package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrAddressNotSupported 当前传输无法解析该地址
	ErrAddressNotSupported = errors.New("address not supported")

	// ErrTimeout 拨号超时
	ErrTimeout = errors.New("dial timeout")

	// ErrCancelled 拨号被取消
	ErrCancelled = errors.New("dial cancelled")

	// ErrTransportClosed 传输层已关闭
	ErrTransportClosed = errors.New("transport closed")
)

// DialError 拨号失败
type DialError struct {
	// Addr 目标地址
	Addr string
	// Retryable 是否值得重试
	Retryable bool
	// Cause 底层错误
	Cause error
}

// Error 实现 error
func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s failed: %v", e.Addr, e.Cause)
}

// Unwrap 返回底层错误
func (e *DialError) Unwrap() error { return e.Cause }

// NewDialError 包装底层拨号错误并分类
//
// 超时（含 net.Error 超时）与取消映射到对应哨兵；其余错误一律包装为
// Retryable 的 DialError。
func NewDialError(addr string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s", ErrCancelled, addr)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, addr)
	}

	retryable := true
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, addr)
	}
	return &DialError{Addr: addr, Retryable: retryable, Cause: err}
}
