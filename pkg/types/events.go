package types

import "time"

// ConnectivityState 整体连通性状态
type ConnectivityState int

const (
	// ConnectivityInitializing 初始化中
	ConnectivityInitializing ConnectivityState = iota
	// ConnectivityOnline 在线
	ConnectivityOnline
	// ConnectivityDegraded 降级
	ConnectivityDegraded
	// ConnectivityOffline 离线
	ConnectivityOffline
)

// String 返回状态的字符串表示
func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityInitializing:
		return "initializing"
	case ConnectivityOnline:
		return "online"
	case ConnectivityDegraded:
		return "degraded"
	case ConnectivityOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// ConnectionHealth 单个节点的连接健康度
type ConnectionHealth int

const (
	// HealthOnline 已连接
	HealthOnline ConnectionHealth = iota
	// HealthRetrying 重试中
	HealthRetrying
	// HealthOffline 离线
	HealthOffline
)

// String 返回健康度的字符串表示
func (h ConnectionHealth) String() string {
	switch h {
	case HealthOnline:
		return "online"
	case HealthRetrying:
		return "retrying"
	case HealthOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// ConnectivityEventKind 连通性事件种类
type ConnectivityEventKind int

const (
	// EventPeerConnected 节点已连接
	EventPeerConnected ConnectivityEventKind = iota
	// EventPeerDisconnected 节点已断开
	EventPeerDisconnected
	// EventPeerBanned 节点被封禁
	EventPeerBanned
	// EventStateChanged 整体状态变化
	EventStateChanged
)

// String 返回事件种类的字符串表示
func (k ConnectivityEventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventPeerBanned:
		return "peer-banned"
	case EventStateChanged:
		return "state-changed"
	default:
		return "invalid"
	}
}

// ConnectivityEvent 连通性事件
type ConnectivityEvent struct {
	// Kind 事件种类
	Kind ConnectivityEventKind
	// NodeID 相关节点（状态变化事件为零值）
	NodeID NodeID
	// Direction 连接方向（连接事件有效）
	Direction Direction
	// State 新的整体状态（状态变化事件有效）
	State ConnectivityState
	// At 事件时间
	At time.Time
}
