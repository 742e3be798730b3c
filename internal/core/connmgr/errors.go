package connmgr

import "errors"

var (
	// ErrManagerClosed 连接管理器已关闭
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrPeerBanned 节点处于封禁期
	ErrPeerBanned = errors.New("peer banned")

	// ErrDuplicateConnection 同时拨号裁决中落败的连接
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrNoAddresses 节点没有可拨地址
	ErrNoAddresses = errors.New("no dialable addresses")

	// ErrAllDialsFailed 所有地址拨号失败
	ErrAllDialsFailed = errors.New("all dials failed")

	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDialBackoff 节点处于退避期
	ErrDialBackoff = errors.New("dial in backoff")

	// ErrDialToSelf 尝试拨号自己
	ErrDialToSelf = errors.New("dial to self attempted")
)
