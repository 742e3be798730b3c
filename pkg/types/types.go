// Package types 定义核心共享类型
//
// 所有跨组件传递的基础类型集中在这里：
//   - NodeID: DHT 距离度量使用的节点标识
//   - Direction: 连接方向
//   - ConnectionState: 连接生命周期状态
//   - ProtocolID: 子流协议标识
//   - Features: 节点能力位
package types

import "time"

// Direction 连接方向
type Direction int

const (
	// DirUnknown 未知方向
	DirUnknown Direction = iota
	// DirInbound 入站连接
	DirInbound
	// DirOutbound 出站连接
	DirOutbound
)

// String 返回方向的字符串表示
func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ConnectionState 连接生命周期状态
//
// 状态机：Dialing → Handshaking → Ready → Draining → Closed。
// Closed 是终态。
type ConnectionState int

const (
	// ConnStateDialing 正在拨号
	ConnStateDialing ConnectionState = iota
	// ConnStateHandshaking 正在握手
	ConnStateHandshaking
	// ConnStateReady 连接就绪
	ConnStateReady
	// ConnStateDraining 正在排空
	ConnStateDraining
	// ConnStateClosed 已关闭
	ConnStateClosed
)

// String 返回状态的字符串表示
func (s ConnectionState) String() string {
	switch s {
	case ConnStateDialing:
		return "dialing"
	case ConnStateHandshaking:
		return "handshaking"
	case ConnStateReady:
		return "ready"
	case ConnStateDraining:
		return "draining"
	case ConnStateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// ProtocolID 子流协议标识
type ProtocolID string

// 内置协议
const (
	// ProtocolMessaging 消息通道协议
	ProtocolMessaging ProtocolID = "/nexmesh/messaging/0.1.0"
	// ProtocolRPC RPC 会话协议
	ProtocolRPC ProtocolID = "/nexmesh/rpc/0.1.0"
	// ProtocolSAF 存储转发检索协议
	ProtocolSAF ProtocolID = "/nexmesh/saf/0.1.0"
	// ProtocolDiscovery 节点同步协议
	ProtocolDiscovery ProtocolID = "/nexmesh/discovery/0.1.0"
)

// Features 节点能力位
type Features uint64

const (
	// FeatureMessaging 支持消息通道
	FeatureMessaging Features = 1 << iota
	// FeatureDHT 参与 DHT 路由与存储转发
	FeatureDHT
	// FeatureRPC 支持 RPC 会话
	FeatureRPC
)

// Has 判断是否包含指定能力
func (f Features) Has(other Features) bool {
	return f&other == other
}

// Intersect 返回能力交集
func (f Features) Intersect(other Features) Features {
	return f & other
}

// DefaultFeatures 本实现默认宣告的能力集
func DefaultFeatures() Features {
	return FeatureMessaging | FeatureDHT | FeatureRPC
}

// BanRecord 封禁记录
type BanRecord struct {
	// Reason 封禁原因
	Reason string
	// Until 封禁截止时间
	Until time.Time
}

// IsActive 判断封禁是否仍然生效
func (b BanRecord) IsActive(now time.Time) bool {
	return now.Before(b.Until)
}
