package multiaddr

import "errors"

var (
	// ErrEmptyAddress 地址为空
	ErrEmptyAddress = errors.New("empty multiaddr")

	// ErrUnknownProtocol 未知协议
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrMissingValue 协议缺少值
	ErrMissingValue = errors.New("protocol missing value")

	// ErrInvalidValue 协议值非法
	ErrInvalidValue = errors.New("invalid protocol value")

	// ErrNotTCP 地址不包含 TCP 端点
	ErrNotTCP = errors.New("multiaddr has no tcp endpoint")
)
