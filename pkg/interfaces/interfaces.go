// Package interfaces 定义核心能力抽象
//
// 传输、加密会话与多路复用以接口形式暴露，内置变体在
// internal/core 下实现；额外的传输可以在边缘组合接入，
// 不触碰核心。
package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// ============================================================================
//                              传输层
// ============================================================================

// Stream 双向有序可靠字节流
type Stream interface {
	io.ReadWriteCloser

	// SetDeadline 设置读写截止时间
	SetDeadline(t time.Time) error
}

// Listener 监听器
type Listener interface {
	// Accept 接受连接，阻塞直到有新连接到达
	Accept() (Stream, error)

	// Multiaddr 返回监听地址
	Multiaddr() multiaddr.Multiaddr

	// Close 关闭监听器
	Close() error
}

// Transport 传输层能力
//
// 所有变体在拨号中途都必须响应 ctx 取消。
type Transport interface {
	// Dial 建立出站连接
	Dial(ctx context.Context, addr multiaddr.Multiaddr) (Stream, error)

	// Listen 在指定地址上开始监听
	Listen(addr multiaddr.Multiaddr) (Listener, error)

	// CanDial 判断当前传输能否解析该地址
	CanDial(addr multiaddr.Multiaddr) bool

	// Close 关闭传输层
	Close() error
}

// ============================================================================
//                              加密会话
// ============================================================================

// SecureSession 握手完成后的加密双工流
type SecureSession interface {
	Stream

	// RemotePublicKey 返回对端身份公钥
	RemotePublicKey() []byte

	// RemoteNodeID 返回对端 NodeID（从静态密钥绑定的身份派生）
	RemoteNodeID() types.NodeID

	// RemoteFeatures 返回版本协商后的对端能力集
	RemoteFeatures() types.Features
}

// ============================================================================
//                              多路复用
// ============================================================================

// MuxStream 多路复用子流
type MuxStream interface {
	Stream

	// Protocol 返回绑定的协议标识
	Protocol() types.ProtocolID
}

// Muxer 单个加密会话上的流多路复用器
type Muxer interface {
	// OpenStream 打开绑定指定协议的子流
	OpenStream(ctx context.Context, protocol types.ProtocolID) (MuxStream, error)

	// AcceptStream 接受对端打开的子流
	AcceptStream() (MuxStream, error)

	// NumStreams 返回当前子流数
	NumStreams() int

	// IsClosed 判断会话是否已关闭
	IsClosed() bool

	// Close 关闭会话，所有子流以会话关闭错误终止
	Close() error
}
