// Package yamux 提供基于 yamux 的多路复用实现
//
// 每个 Noise 会话承载一个 yamux 会话。子流打开时由打开方写入
// varint 长度前缀的协议标识，接受方读取后完成绑定。
// 流控由 yamux 按子流执行，单个子流的背压不会阻塞其他子流。
package yamux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/multiformats/go-varint"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// ErrSessionClosed 会话已关闭
var ErrSessionClosed = errors.New("mux session closed")

// 协议标识的长度上限
const maxProtocolIDLen = 256

// Config 多路复用配置
type Config struct {
	// AcceptBacklog 未被 Accept 的子流上限
	AcceptBacklog int
	// KeepAliveInterval 会话保活间隔，0 关闭保活
	KeepAliveInterval time.Duration
	// StreamWindow 单子流接收窗口
	StreamWindow uint32
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		AcceptBacklog:     256,
		KeepAliveInterval: 30 * time.Second,
		StreamWindow:      1024 * 1024,
	}
}

// Muxer 封装 yamux.Session
type Muxer struct {
	session    *yamux.Session
	closed     atomic.Bool
	numStreams atomic.Int32
}

// 确保实现接口
var _ interfaces.Muxer = (*Muxer)(nil)

// New 在加密会话上创建多路复用器
//
// server 侧与 client 侧必须不同，由连接方向决定。
func New(conn io.ReadWriteCloser, server bool, cfg Config) (*Muxer, error) {
	ycfg := yamux.DefaultConfig()
	ycfg.LogOutput = io.Discard
	if cfg.AcceptBacklog > 0 {
		ycfg.AcceptBacklog = cfg.AcceptBacklog
	}
	if cfg.KeepAliveInterval > 0 {
		ycfg.KeepAliveInterval = cfg.KeepAliveInterval
	} else {
		ycfg.EnableKeepAlive = false
	}
	if cfg.StreamWindow > 0 {
		ycfg.MaxStreamWindowSize = cfg.StreamWindow
	}

	var (
		session *yamux.Session
		err     error
	)
	if server {
		session, err = yamux.Server(conn, ycfg)
	} else {
		session, err = yamux.Client(conn, ycfg)
	}
	if err != nil {
		return nil, fmt.Errorf("create yamux session: %w", err)
	}
	return &Muxer{session: session}, nil
}

// OpenStream 打开绑定指定协议的子流
func (m *Muxer) OpenStream(ctx context.Context, protocol types.ProtocolID) (interfaces.MuxStream, error) {
	if m.closed.Load() {
		return nil, ErrSessionClosed
	}

	ys, err := m.session.OpenStream()
	if err != nil {
		if m.session.IsClosed() {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if d, ok := ctx.Deadline(); ok {
		ys.SetDeadline(d)
	}
	if err := writeProtocolID(ys, protocol); err != nil {
		ys.Close()
		return nil, fmt.Errorf("negotiate protocol: %w", err)
	}
	ys.SetDeadline(time.Time{})

	m.numStreams.Add(1)
	return &stream{Stream: ys, protocol: protocol, muxer: m}, nil
}

// AcceptStream 接受对端打开的子流
func (m *Muxer) AcceptStream() (interfaces.MuxStream, error) {
	ys, err := m.session.AcceptStream()
	if err != nil {
		if m.session.IsClosed() || errors.Is(err, io.EOF) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}

	ys.SetDeadline(time.Now().Add(10 * time.Second))
	protocol, err := readProtocolID(ys)
	if err != nil {
		ys.Close()
		return nil, fmt.Errorf("read protocol id: %w", err)
	}
	ys.SetDeadline(time.Time{})

	m.numStreams.Add(1)
	return &stream{Stream: ys, protocol: protocol, muxer: m}, nil
}

// NumStreams 返回当前子流数
func (m *Muxer) NumStreams() int {
	return int(m.numStreams.Load())
}

// IsClosed 判断会话是否已关闭
func (m *Muxer) IsClosed() bool {
	return m.closed.Load() || m.session.IsClosed()
}

// Close 关闭会话，所有子流随之终止
func (m *Muxer) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.session.Close()
}

// writeProtocolID 写入 varint 长度前缀的协议标识
func writeProtocolID(w io.Writer, protocol types.ProtocolID) error {
	id := []byte(protocol)
	if len(id) == 0 || len(id) > maxProtocolIDLen {
		return fmt.Errorf("invalid protocol id length %d", len(id))
	}
	buf := varint.ToUvarint(uint64(len(id)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(id)
	return err
}

// readProtocolID 读取 varint 长度前缀的协议标识
func readProtocolID(r io.Reader) (types.ProtocolID, error) {
	l, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return "", err
	}
	if l == 0 || l > maxProtocolIDLen {
		return "", fmt.Errorf("invalid protocol id length %d", l)
	}
	id := make([]byte, l)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", err
	}
	return types.ProtocolID(id), nil
}

// byteReader 将 io.Reader 适配为 io.ByteReader
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
