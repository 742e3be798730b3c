package dht

import (
	"time"

	"github.com/nexmesh/go-nexmesh/internal/core/dht/saf"
	"github.com/nexmesh/go-nexmesh/internal/core/pipeline"
)

// Config DHT 配置
type Config struct {
	// NumNeighbouringNodes 邻居数（XOR 最近的 k 个）
	NumNeighbouringNodes int

	// NumRandomNodes 随机池大小
	NumRandomNodes int

	// BroadcastFactor Broadcast 策略的目标数：一半最近、一半随机
	BroadcastFactor int

	// PropagationFactor Propagate 策略的目标数
	PropagationFactor int

	// FloodMaxPerInterval Flood 策略的限速：每个窗口最多发出的消息数
	FloodMaxPerInterval int

	// FloodInterval Flood 限速窗口
	FloodInterval time.Duration

	// MessageTTL 新建消息的默认有效期
	MessageTTL time.Duration

	// MaxConcurrentInboundTasks 入站管线容量
	MaxConcurrentInboundTasks int

	// MaxConcurrentOutboundTasks 出站管线容量
	MaxConcurrentOutboundTasks int

	// DedupCacheCapacity 去重缓存容量
	DedupCacheCapacity int

	// DedupCacheTrimInterval 去重缓存清理间隔
	DedupCacheTrimInterval time.Duration

	// DedupAllowedMessageOccurrences 同一内容允许出现的次数，超过即丢弃
	DedupAllowedMessageOccurrences int

	// AutoJoin 首次 Online 时自动广播入网宣告
	AutoJoin bool

	// JoinCooldownInterval 两次入网宣告之间的最小间隔
	JoinCooldownInterval time.Duration

	// Saf 存储转发配置
	Saf saf.Config

	// Discovery 节点发现配置
	Discovery DiscoveryConfig

	// Ledger 不当行为记分配置
	Ledger pipeline.LedgerConfig
}

// DiscoveryConfig 节点发现配置
type DiscoveryConfig struct {
	// Enabled 是否启用周期发现
	Enabled bool

	// MaxSyncPeers 单轮询问的节点数
	MaxSyncPeers int

	// MaxPeersToSyncPerRound 每个节点单轮返回上限
	MaxPeersToSyncPerRound int

	// MinDesiredPeers 已知节点达到该数后转入空闲策略
	MinDesiredPeers int

	// IdlePeriod 空闲策略下的轮间隔
	IdlePeriod time.Duration

	// AggressivePeriod 进取策略下的轮间隔
	AggressivePeriod time.Duration

	// OnFailureIdlePeriod 一轮失败后的等待
	OnFailureIdlePeriod time.Duration

	// RequestTimeout 单次同步请求超时
	RequestTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		NumNeighbouringNodes:           8,
		NumRandomNodes:                 4,
		BroadcastFactor:                8,
		PropagationFactor:              4,
		FloodMaxPerInterval:            64,
		FloodInterval:                  10 * time.Second,
		MessageTTL:                     3 * time.Hour,
		MaxConcurrentInboundTasks:      32,
		MaxConcurrentOutboundTasks:     32,
		DedupCacheCapacity:             2500,
		DedupCacheTrimInterval:         5 * time.Minute,
		DedupAllowedMessageOccurrences: 1,
		AutoJoin:                       true,
		JoinCooldownInterval:           10 * time.Minute,
		Saf:                            saf.DefaultConfig(),
		Discovery: DiscoveryConfig{
			Enabled:                true,
			MaxSyncPeers:           5,
			MaxPeersToSyncPerRound: 500,
			MinDesiredPeers:        16,
			IdlePeriod:             30 * time.Minute,
			AggressivePeriod:       30 * time.Second,
			OnFailureIdlePeriod:    5 * time.Minute,
			RequestTimeout:         15 * time.Second,
		},
		Ledger: pipeline.DefaultLedgerConfig(),
	}
}
