// Package dht 定义 DHT 控制消息的 wire 编码
//
// 包含入网宣告、节点同步与存储转发检索的请求/响应体。
// 这些消息作为信封 body 传输。
package dht

import (
	"errors"
	"fmt"

	"github.com/nexmesh/go-nexmesh/pkg/lib/proto/common"
)

// ErrInvalidMessage 消息数据非法
var ErrInvalidMessage = errors.New("invalid dht message")

// PeerInfo 节点同步条目
type PeerInfo struct {
	// PublicKey 身份公钥
	PublicKey []byte
	// Addresses 多地址列表（字符串形式）
	Addresses []string
	// Features 能力位
	Features uint64
	// LastSeen 最近一次在线时间（Unix 秒）
	LastSeen uint64
}

// Reset 实现 gogo proto.Message
func (p *PeerInfo) Reset() { *p = PeerInfo{} }

// String 实现 gogo proto.Message
func (p *PeerInfo) String() string {
	return fmt.Sprintf("PeerInfo{addrs=%d features=%x}", len(p.Addresses), p.Features)
}

// ProtoMessage 实现 gogo proto.Message
func (p *PeerInfo) ProtoMessage() {}

// Marshal 序列化
func (p *PeerInfo) Marshal() ([]byte, error) {
	b := make([]byte, 0, 64)
	b = common.AppendBytesField(b, 1, p.PublicKey)
	for _, a := range p.Addresses {
		b = common.AppendStringField(b, 2, a)
	}
	b = common.AppendUint64Field(b, 3, p.Features)
	b = common.AppendUint64Field(b, 4, p.LastSeen)
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (p *PeerInfo) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidMessage
		}
		data = data[n:]

		switch wireType {
		case common.WireBytes:
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				p.PublicKey = v
			case 2:
				p.Addresses = append(p.Addresses, string(v))
			}
		case common.WireVarint:
			v, n := common.ConsumeVarint(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			switch fieldNum {
			case 3:
				p.Features = v
			case 4:
				p.LastSeen = v
			}
		default:
			skip := common.SkipField(data, wireType)
			if skip < 0 {
				return ErrInvalidMessage
			}
			data = data[skip:]
		}
	}
	return nil
}

// JoinAnnounce 入网宣告消息体
type JoinAnnounce struct {
	// PublicKey 宣告方身份公钥
	PublicKey []byte
	// Addresses 宣告方可达地址
	Addresses []string
	// Features 能力位
	Features uint64
}

// Reset 实现 gogo proto.Message
func (j *JoinAnnounce) Reset() { *j = JoinAnnounce{} }

// String 实现 gogo proto.Message
func (j *JoinAnnounce) String() string {
	return fmt.Sprintf("JoinAnnounce{addrs=%d}", len(j.Addresses))
}

// ProtoMessage 实现 gogo proto.Message
func (j *JoinAnnounce) ProtoMessage() {}

// Marshal 序列化
func (j *JoinAnnounce) Marshal() ([]byte, error) {
	b := make([]byte, 0, 64)
	b = common.AppendBytesField(b, 1, j.PublicKey)
	for _, a := range j.Addresses {
		b = common.AppendStringField(b, 2, a)
	}
	b = common.AppendUint64Field(b, 3, j.Features)
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (j *JoinAnnounce) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidMessage
		}
		data = data[n:]

		switch wireType {
		case common.WireBytes:
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				j.PublicKey = v
			case 2:
				j.Addresses = append(j.Addresses, string(v))
			}
		case common.WireVarint:
			v, n := common.ConsumeVarint(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			if fieldNum == 3 {
				j.Features = v
			}
		default:
			skip := common.SkipField(data, wireType)
			if skip < 0 {
				return ErrInvalidMessage
			}
			data = data[skip:]
		}
	}
	return nil
}

// SyncRequest 节点同步请求
type SyncRequest struct {
	// TargetNodeID 查询目标（自身或随机 NodeID）
	TargetNodeID []byte
	// MaxPeers 单轮返回上限
	MaxPeers uint32
}

// Reset 实现 gogo proto.Message
func (r *SyncRequest) Reset() { *r = SyncRequest{} }

// String 实现 gogo proto.Message
func (r *SyncRequest) String() string {
	return fmt.Sprintf("SyncRequest{max=%d}", r.MaxPeers)
}

// ProtoMessage 实现 gogo proto.Message
func (r *SyncRequest) ProtoMessage() {}

// Marshal 序列化
func (r *SyncRequest) Marshal() ([]byte, error) {
	var b []byte
	b = common.AppendBytesField(b, 1, r.TargetNodeID)
	b = common.AppendUint64Field(b, 2, uint64(r.MaxPeers))
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (r *SyncRequest) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidMessage
		}
		data = data[n:]

		switch wireType {
		case common.WireBytes:
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			if fieldNum == 1 {
				r.TargetNodeID = v
			}
		case common.WireVarint:
			v, n := common.ConsumeVarint(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			if fieldNum == 2 {
				r.MaxPeers = uint32(v)
			}
		default:
			skip := common.SkipField(data, wireType)
			if skip < 0 {
				return ErrInvalidMessage
			}
			data = data[skip:]
		}
	}
	return nil
}

// SyncResponse 节点同步响应
type SyncResponse struct {
	// Peers 返回的节点条目
	Peers []*PeerInfo
}

// Reset 实现 gogo proto.Message
func (r *SyncResponse) Reset() { *r = SyncResponse{} }

// String 实现 gogo proto.Message
func (r *SyncResponse) String() string {
	return fmt.Sprintf("SyncResponse{peers=%d}", len(r.Peers))
}

// ProtoMessage 实现 gogo proto.Message
func (r *SyncResponse) ProtoMessage() {}

// Marshal 序列化
func (r *SyncResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, p := range r.Peers {
		pb, err := p.Marshal()
		if err != nil {
			return nil, err
		}
		b = common.AppendBytesField(b, 1, pb)
	}
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (r *SyncResponse) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidMessage
		}
		data = data[n:]

		if wireType == common.WireBytes {
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			if fieldNum == 1 {
				p := &PeerInfo{}
				if err := p.Unmarshal(v); err != nil {
					return err
				}
				r.Peers = append(r.Peers, p)
			}
			continue
		}

		skip := common.SkipField(data, wireType)
		if skip < 0 {
			return ErrInvalidMessage
		}
		data = data[skip:]
	}
	return nil
}

// RetrieveRequest 存储转发检索请求
type RetrieveRequest struct {
	// Since 只返回此时间之后存储的消息（Unix 秒，0 表示不限）
	Since uint64
	// MaxMessages 返回上限
	MaxMessages uint32
}

// Reset 实现 gogo proto.Message
func (r *RetrieveRequest) Reset() { *r = RetrieveRequest{} }

// String 实现 gogo proto.Message
func (r *RetrieveRequest) String() string {
	return fmt.Sprintf("RetrieveRequest{since=%d max=%d}", r.Since, r.MaxMessages)
}

// ProtoMessage 实现 gogo proto.Message
func (r *RetrieveRequest) ProtoMessage() {}

// Marshal 序列化
func (r *RetrieveRequest) Marshal() ([]byte, error) {
	var b []byte
	b = common.AppendUint64Field(b, 1, r.Since)
	b = common.AppendUint64Field(b, 2, uint64(r.MaxMessages))
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (r *RetrieveRequest) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidMessage
		}
		data = data[n:]

		if wireType == common.WireVarint {
			v, n := common.ConsumeVarint(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				r.Since = v
			case 2:
				r.MaxMessages = uint32(v)
			}
			continue
		}

		skip := common.SkipField(data, wireType)
		if skip < 0 {
			return ErrInvalidMessage
		}
		data = data[skip:]
	}
	return nil
}

// RetrieveResponse 存储转发检索响应
type RetrieveResponse struct {
	// Envelopes 序列化的信封列表
	Envelopes [][]byte
}

// Reset 实现 gogo proto.Message
func (r *RetrieveResponse) Reset() { *r = RetrieveResponse{} }

// String 实现 gogo proto.Message
func (r *RetrieveResponse) String() string {
	return fmt.Sprintf("RetrieveResponse{envelopes=%d}", len(r.Envelopes))
}

// ProtoMessage 实现 gogo proto.Message
func (r *RetrieveResponse) ProtoMessage() {}

// Marshal 序列化
func (r *RetrieveResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, e := range r.Envelopes {
		b = common.AppendBytesField(b, 1, e)
	}
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (r *RetrieveResponse) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidMessage
		}
		data = data[n:]

		if wireType == common.WireBytes {
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidMessage
			}
			data = data[n:]
			if fieldNum == 1 {
				r.Envelopes = append(r.Envelopes, v)
			}
			continue
		}

		skip := common.SkipField(data, wireType)
		if skip < 0 {
			return ErrInvalidMessage
		}
		data = data[skip:]
	}
	return nil
}
