package noise

import (
	"github.com/nexmesh/go-nexmesh/pkg/lib/proto/common"
)

// handshakePayload 握手消息中携带的身份绑定负载
//
//   - IdentityKey: Ed25519 身份公钥
//   - IdentitySig: Sign("nexmesh-noise-static-key:" + curve25519_static_pubkey)
type handshakePayload struct {
	IdentityKey []byte
	IdentitySig []byte
}

// Marshal 序列化
func (p *handshakePayload) Marshal() ([]byte, error) {
	var b []byte
	b = common.AppendBytesField(b, 1, p.IdentityKey)
	b = common.AppendBytesField(b, 2, p.IdentitySig)
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (p *handshakePayload) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidPayload
		}
		data = data[n:]

		if wireType == common.WireBytes {
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidPayload
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				p.IdentityKey = v
			case 2:
				p.IdentitySig = v
			}
			continue
		}

		skip := common.SkipField(data, wireType)
		if skip < 0 {
			return ErrInvalidPayload
		}
		data = data[skip:]
	}
	return nil
}

// versionFrame 握手完成后双方交换的签名版本帧
//
// 协商取能力集交集；交集为空则关闭会话。
type versionFrame struct {
	// Version 协议版本
	Version uint32
	// Features 能力位
	Features uint64
	// Signature 身份私钥对 (version, features) 的签名
	Signature []byte
}

// 当前协议版本
const protocolVersion = 1

// signedBytes 返回签名覆盖的字节
func (f *versionFrame) signedBytes() []byte {
	var b []byte
	b = common.AppendVarint(b, uint64(f.Version))
	b = common.AppendVarint(b, f.Features)
	return b
}

// Marshal 序列化
func (f *versionFrame) Marshal() ([]byte, error) {
	var b []byte
	b = common.AppendUint64Field(b, 1, uint64(f.Version))
	b = common.AppendUint64Field(b, 2, f.Features)
	b = common.AppendBytesField(b, 3, f.Signature)
	return b, nil
}

// Unmarshal 反序列化，未知字段跳过
func (f *versionFrame) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidPayload
		}
		data = data[n:]

		switch wireType {
		case common.WireVarint:
			v, n := common.ConsumeVarint(data)
			if n < 0 {
				return ErrInvalidPayload
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				f.Version = uint32(v)
			case 2:
				f.Features = v
			}
		case common.WireBytes:
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidPayload
			}
			data = data[n:]
			if fieldNum == 3 {
				f.Signature = v
			}
		default:
			skip := common.SkipField(data, wireType)
			if skip < 0 {
				return ErrInvalidPayload
			}
			data = data[skip:]
		}
	}
	return nil
}
