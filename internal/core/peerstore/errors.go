package peerstore

import "errors"

var (
	// ErrNotFound 节点不存在
	ErrNotFound = errors.New("peer not found")

	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("peer store closed")

	// ErrCorruptRecord 记录损坏
	ErrCorruptRecord = errors.New("corrupt peer record")
)
