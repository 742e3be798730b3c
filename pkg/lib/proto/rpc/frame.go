// Package rpc 定义 RPC 子流的帧结构
//
// 每帧为 {request_id, method_id, flags, payload}，
// varint 长度前缀由传输侧负责。流式响应以 FlagFin 结束。
package rpc

import (
	"errors"
	"fmt"

	"github.com/nexmesh/go-nexmesh/pkg/lib/proto/common"
)

// ErrInvalidFrame 帧数据非法
var ErrInvalidFrame = errors.New("invalid rpc frame")

// 帧标志位
const (
	// FlagFin 流式响应的结束帧
	FlagFin uint32 = 1 << 0
	// FlagErr 错误响应，payload 为错误描述
	FlagErr uint32 = 1 << 1
)

// Frame RPC 帧
type Frame struct {
	// RequestID 请求标识，响应回显
	RequestID uint32
	// MethodID 方法标识
	MethodID uint32
	// Flags 标志位
	Flags uint32
	// Payload 负载
	Payload []byte
}

// IsFin 判断是否为结束帧
func (f *Frame) IsFin() bool { return f.Flags&FlagFin != 0 }

// IsErr 判断是否为错误帧
func (f *Frame) IsErr() bool { return f.Flags&FlagErr != 0 }

// Reset 实现 gogo proto.Message
func (f *Frame) Reset() { *f = Frame{} }

// String 实现 gogo proto.Message
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{req=%d method=%d flags=%x len=%d}", f.RequestID, f.MethodID, f.Flags, len(f.Payload))
}

// ProtoMessage 实现 gogo proto.Message
func (f *Frame) ProtoMessage() {}

// Marshal 序列化帧
func (f *Frame) Marshal() ([]byte, error) {
	b := make([]byte, 0, 16+len(f.Payload))
	b = common.AppendUint64Field(b, 1, uint64(f.RequestID))
	b = common.AppendUint64Field(b, 2, uint64(f.MethodID))
	b = common.AppendUint64Field(b, 3, uint64(f.Flags))
	b = common.AppendBytesField(b, 4, f.Payload)
	return b, nil
}

// Unmarshal 反序列化帧，未知字段跳过
func (f *Frame) Unmarshal(data []byte) error {
	for len(data) > 0 {
		fieldNum, wireType, n := common.ConsumeField(data)
		if n < 0 {
			return ErrInvalidFrame
		}
		data = data[n:]

		switch wireType {
		case common.WireVarint:
			v, n := common.ConsumeVarint(data)
			if n < 0 {
				return ErrInvalidFrame
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				f.RequestID = uint32(v)
			case 2:
				f.MethodID = uint32(v)
			case 3:
				f.Flags = uint32(v)
			}
		case common.WireBytes:
			v, n := common.ConsumeBytes(data)
			if n < 0 {
				return ErrInvalidFrame
			}
			data = data[n:]
			if fieldNum == 4 {
				f.Payload = v
			}
		default:
			skip := common.SkipField(data, wireType)
			if skip < 0 {
				return ErrInvalidFrame
			}
			data = data[skip:]
		}
	}
	return nil
}
