// Package envelope 定义 DHT 消息信封的 wire 编码
//
// 编码为 protobuf wire format（field-number + wire-type），
// 未知字段跳过。信封 = {dht_header, body}，body 可能是密文。
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nexmesh/go-nexmesh/pkg/lib/proto/common"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// ErrInvalidEnvelope 信封数据非法
var ErrInvalidEnvelope = errors.New("invalid envelope data")

// 信封标志位
const (
	// FlagEncrypted 消息体已加密
	FlagEncrypted uint32 = 1 << 0
	// FlagStoreForward 允许存储转发
	FlagStoreForward uint32 = 1 << 1
)

// DhtHeader 信封路由头
type DhtHeader struct {
	// OriginPublicKey 来源身份公钥（可选）
	OriginPublicKey []byte
	// OriginSignature 来源签名（可选，与 OriginPublicKey 成对出现）
	OriginSignature []byte
	// DestNodeID 目的 NodeID（与 DestPublicKey 互斥；都为空表示 Unknown）
	DestNodeID []byte
	// DestPublicKey 目的身份公钥
	DestPublicKey []byte
	// MessageType 消息类型
	MessageType types.MessageType
	// Flags 标志位
	Flags uint32
	// EphemeralPubKey 一次性加密公钥（加密消息携带）
	EphemeralPubKey []byte
	// Nonce 加密 nonce
	Nonce []byte
	// MessageTag 每消息随机 64 位标识，用于去重与追踪
	MessageTag uint64
	// ExpiresAt 过期时间（Unix 秒，0 表示不过期）
	ExpiresAt uint64
}

// Envelope 消息信封
type Envelope struct {
	// Header 路由头
	Header *DhtHeader
	// Body 消息体（可能是密文）
	Body []byte
}

// HasOrigin 判断是否携带来源
func (h *DhtHeader) HasOrigin() bool {
	return len(h.OriginPublicKey) > 0
}

// IsEncrypted 判断消息体是否加密
func (h *DhtHeader) IsEncrypted() bool {
	return h.Flags&FlagEncrypted != 0
}

// AllowsStoreForward 判断是否允许存储转发
func (h *DhtHeader) AllowsStoreForward() bool {
	return h.Flags&FlagStoreForward != 0
}

// IsExpired 判断消息是否已过期
func (h *DhtHeader) IsExpired(now time.Time) bool {
	return h.ExpiresAt != 0 && uint64(now.Unix()) > h.ExpiresAt
}

// DestinationNodeID 返回目的 NodeID
//
// 目的为 NodeID 时直接返回；目的为公钥时从公钥派生；
// Unknown 目的返回 false。
func (h *DhtHeader) DestinationNodeID() (types.NodeID, bool) {
	if len(h.DestNodeID) == types.NodeIDLen {
		id, err := types.NodeIDFromBytes(h.DestNodeID)
		if err == nil {
			return id, true
		}
	}
	if len(h.DestPublicKey) > 0 {
		id, err := types.NodeIDFromPublicKey(h.DestPublicKey)
		if err == nil {
			return id, true
		}
	}
	return types.NodeID{}, false
}

// Reset 实现 gogo proto.Message
func (h *DhtHeader) Reset() { *h = DhtHeader{} }

// String 实现 gogo proto.Message
func (h *DhtHeader) String() string {
	return fmt.Sprintf("DhtHeader{type=%s tag=%x flags=%x}", h.MessageType, h.MessageTag, h.Flags)
}

// ProtoMessage 实现 gogo proto.Message
func (h *DhtHeader) ProtoMessage() {}

// Marshal 序列化路由头
func (h *DhtHeader) Marshal() ([]byte, error) {
	b := make([]byte, 0, 128+len(h.OriginPublicKey)+len(h.OriginSignature))
	b = common.AppendBytesField(b, 1, h.OriginPublicKey)
	b = common.AppendBytesField(b, 2, h.OriginSignature)
	b = common.AppendBytesField(b, 3, h.DestNodeID)
	b = common.AppendBytesField(b, 4, h.DestPublicKey)
	b = common.AppendUint64Field(b, 5, uint64(h.MessageType))
	b = common.AppendUint64Field(b, 6, uint64(h.Flags))
	b = common.AppendBytesField(b, 7, h.EphemeralPubKey)
	b = common.AppendBytesField(b, 8, h.Nonce)
	b = common.AppendUint64Field(b, 9, h.MessageTag)
	b = common.AppendUint64Field(b, 10, h.ExpiresAt)
	return b, nil
}

// Unmarshal 反序列化路由头，未知字段跳过
func (h *DhtHeader) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidEnvelope
		}
		data = data[n:]

		if wireType == common.WireBytes {
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidEnvelope
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				h.OriginPublicKey = v
			case 2:
				h.OriginSignature = v
			case 3:
				h.DestNodeID = v
			case 4:
				h.DestPublicKey = v
			case 7:
				h.EphemeralPubKey = v
			case 8:
				h.Nonce = v
			}
			continue
		}

		if wireType == common.WireVarint {
			v, n := common.ConsumeVarint(data)
			if n < 0 {
				return ErrInvalidEnvelope
			}
			data = data[n:]
			switch fieldNum {
			case 5:
				h.MessageType = types.MessageType(v)
			case 6:
				h.Flags = uint32(v)
			case 9:
				h.MessageTag = v
			case 10:
				h.ExpiresAt = v
			}
			continue
		}

		skip := common.SkipField(data, wireType)
		if skip < 0 {
			return ErrInvalidEnvelope
		}
		data = data[skip:]
	}
	return nil
}

// Reset 实现 gogo proto.Message
func (e *Envelope) Reset() { *e = Envelope{} }

// String 实现 gogo proto.Message
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{header=%v body=%d bytes}", e.Header, len(e.Body))
}

// ProtoMessage 实现 gogo proto.Message
func (e *Envelope) ProtoMessage() {}

// Marshal 序列化信封
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Header == nil {
		return nil, ErrInvalidEnvelope
	}
	hdr, err := e.Header.Marshal()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, len(hdr)+len(e.Body)+8)
	b = common.AppendBytesField(b, 1, hdr)
	b = common.AppendBytesField(b, 2, e.Body)
	return b, nil
}

// Unmarshal 反序列化信封，未知字段跳过
func (e *Envelope) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidEnvelope
		}
		data = data[n:]

		if wireType == common.WireBytes {
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidEnvelope
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				hdr := &DhtHeader{}
				if err := hdr.Unmarshal(v); err != nil {
					return err
				}
				e.Header = hdr
			case 2:
				e.Body = v
			}
			continue
		}

		skip := common.SkipField(data, wireType)
		if skip < 0 {
			return ErrInvalidEnvelope
		}
		data = data[skip:]
	}
	if e.Header == nil {
		return ErrInvalidEnvelope
	}
	return nil
}

// SigningChallenge 计算来源签名覆盖的摘要
//
// 覆盖传输形态的消息体（密文即密文），中继节点无须解密即可验签。
func SigningChallenge(h *DhtHeader, body []byte) []byte {
	buf := make([]byte, 8)
	hasher, _ := blake2b.New256(nil)

	binary.BigEndian.PutUint64(buf, h.MessageTag)
	hasher.Write(buf)
	binary.BigEndian.PutUint64(buf, uint64(h.MessageType))
	hasher.Write(buf)
	binary.BigEndian.PutUint64(buf, uint64(h.Flags))
	hasher.Write(buf)
	binary.BigEndian.PutUint64(buf, h.ExpiresAt)
	hasher.Write(buf)
	hasher.Write(h.DestNodeID)
	hasher.Write(h.DestPublicKey)
	hasher.Write(body)
	return hasher.Sum(nil)
}
