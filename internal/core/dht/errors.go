package dht

import "errors"

var (
	// ErrNoEligiblePeers 路由策略挑不出任何目标
	ErrNoEligiblePeers = errors.New("no eligible peers for routing")

	// ErrDhtClosed DHT 已关闭
	ErrDhtClosed = errors.New("dht closed")

	// ErrDuplicateDropped 消息因去重被丢弃
	ErrDuplicateDropped = errors.New("duplicate message dropped")

	// ErrInvalidDestination 目的字段非法
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrDiscoveryTimedOut 发现请求超时
	ErrDiscoveryTimedOut = errors.New("discovery timed out")
)
