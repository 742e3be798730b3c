package types

// MessageType DHT 消息类型
//
// 路由策略与存储转发优先级都由消息类型决定。
type MessageType int32

const (
	// MsgTypeNone 未指定
	MsgTypeNone MessageType = 0
	// MsgTypeJoin 入网宣告
	MsgTypeJoin MessageType = 1
	// MsgTypeDiscovery 节点发现请求
	MsgTypeDiscovery MessageType = 2
	// MsgTypeDiscoveryResponse 节点发现响应
	MsgTypeDiscoveryResponse MessageType = 3
	// MsgTypeSafRequest 存储转发检索请求
	MsgTypeSafRequest MessageType = 20
	// MsgTypeSafResponse 存储转发检索响应
	MsgTypeSafResponse MessageType = 21
	// MsgTypeDomain 应用层消息
	MsgTypeDomain MessageType = 100
)

// IsDHTMessage 判断是否为 DHT 内部消息
func (t MessageType) IsDHTMessage() bool {
	switch t {
	case MsgTypeJoin, MsgTypeDiscovery, MsgTypeDiscoveryResponse:
		return true
	default:
		return false
	}
}

// IsSafMessage 判断是否为存储转发控制消息
func (t MessageType) IsSafMessage() bool {
	return t == MsgTypeSafRequest || t == MsgTypeSafResponse
}

// String 返回消息类型的字符串表示
func (t MessageType) String() string {
	switch t {
	case MsgTypeJoin:
		return "join"
	case MsgTypeDiscovery:
		return "discovery"
	case MsgTypeDiscoveryResponse:
		return "discovery-response"
	case MsgTypeSafRequest:
		return "saf-request"
	case MsgTypeSafResponse:
		return "saf-response"
	case MsgTypeDomain:
		return "domain"
	default:
		return "none"
	}
}

// StoragePriority 存储转发优先级
type StoragePriority int

const (
	// PriorityLow 低优先级，容量满时最先被淘汰
	PriorityLow StoragePriority = iota
	// PriorityHigh 高优先级
	PriorityHigh
)

// PriorityOf 根据消息类型映射存储优先级
//
// 入网、发现与存储转发控制消息为高优先级；应用层消息为低优先级。
func PriorityOf(t MessageType) StoragePriority {
	if t.IsDHTMessage() || t.IsSafMessage() {
		return PriorityHigh
	}
	return PriorityLow
}
