package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// Connection 活动连接句柄
//
// 状态机：Dialing → Handshaking → Ready → Draining → Closed。
// Closed 为终态。
type Connection struct {
	nodeID        types.NodeID
	publicKey     crypto.PublicKey
	direction     types.Direction
	establishedAt time.Time
	addr          multiaddr.Multiaddr
	features      types.Features

	muxer interfaces.Muxer

	mu    sync.Mutex
	state types.ConnectionState

	// lastActivity 子流活动时间，连接回收依据
	lastActivity time.Time

	// closedCh 关闭后关闭
	closedCh chan struct{}
}

func newConnection(sess interfaces.SecureSession, muxer interfaces.Muxer, direction types.Direction, addr multiaddr.Multiaddr) *Connection {
	now := time.Now()
	return &Connection{
		nodeID:        sess.RemoteNodeID(),
		publicKey:     crypto.PublicKey(sess.RemotePublicKey()),
		direction:     direction,
		establishedAt: now,
		lastActivity:  now,
		addr:          addr,
		features:      sess.RemoteFeatures(),
		muxer:         muxer,
		state:         types.ConnStateReady,
		closedCh:      make(chan struct{}),
	}
}

// NodeID 返回对端 NodeID
func (c *Connection) NodeID() types.NodeID { return c.nodeID }

// PublicKey 返回对端身份公钥
func (c *Connection) PublicKey() crypto.PublicKey { return c.publicKey }

// Direction 返回连接方向
func (c *Connection) Direction() types.Direction { return c.direction }

// EstablishedAt 返回建立时间
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }

// Address 返回对端地址
func (c *Connection) Address() multiaddr.Multiaddr { return c.addr }

// Features 返回协商后的对端能力集
func (c *Connection) Features() types.Features { return c.features }

// State 返回当前状态
func (c *Connection) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NumSubstreams 返回当前子流数
func (c *Connection) NumSubstreams() int {
	return c.muxer.NumStreams()
}

// LastActivity 返回最近子流活动时间
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// touch 更新活动时间
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// OpenSubstream 打开绑定协议的子流
func (c *Connection) OpenSubstream(ctx context.Context, protocol types.ProtocolID) (interfaces.MuxStream, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}
	c.touch()
	return c.muxer.OpenStream(ctx, protocol)
}

// AcceptSubstream 接受对端打开的子流
func (c *Connection) AcceptSubstream() (interfaces.MuxStream, error) {
	s, err := c.muxer.AcceptStream()
	if err != nil {
		return nil, err
	}
	c.touch()
	return s, nil
}

// IsClosed 判断是否已关闭
func (c *Connection) IsClosed() bool {
	return c.State() == types.ConnStateClosed || c.muxer.IsClosed()
}

// Done 返回连接关闭通知通道
func (c *Connection) Done() <-chan struct{} {
	return c.closedCh
}

// Close 关闭连接
//
// 所有子流随多路复用会话一起终止。幂等。
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == types.ConnStateClosed || c.state == types.ConnStateDraining {
		c.mu.Unlock()
		return nil
	}
	c.state = types.ConnStateDraining
	c.mu.Unlock()

	err := c.muxer.Close()

	c.mu.Lock()
	c.state = types.ConnStateClosed
	c.mu.Unlock()
	close(c.closedCh)
	return err
}
