package noise

import "errors"

var (
	// ErrHandshakeFailed 握手失败
	ErrHandshakeFailed = errors.New("noise handshake failed")

	// ErrIdentityMismatch 对端静态密钥与期望的 NodeID 不符
	ErrIdentityMismatch = errors.New("remote identity mismatch")

	// ErrVersionIncompatible 版本协商失败，能力集无交集
	ErrVersionIncompatible = errors.New("protocol version incompatible")

	// ErrInvalidPayload 握手负载非法
	ErrInvalidPayload = errors.New("invalid handshake payload")
)
