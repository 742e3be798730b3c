package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/internal/core/eventbus"
	"github.com/nexmesh/go-nexmesh/internal/core/noise"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/memory"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// testNode 测试节点：身份 + 存储 + 管理器
type testNode struct {
	identity *crypto.Identity
	store    *peerstore.Store
	bus      *eventbus.Bus
	mgr      *Manager
	addr     multiaddr.Multiaddr
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	store, err := peerstore.Open(peerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.NewBus()
	t.Cleanup(func() { bus.Close() })

	sessioner, err := noise.New(identity, noise.DefaultConfig())
	require.NoError(t, err)

	registry := transport.NewRegistry(nil, memory.New())

	cfg := DefaultConfig()
	cfg.AllowTestAddresses = true
	cfg.TieBreakLinger = 50 * time.Millisecond
	cfg.BackoffBase = 50 * time.Millisecond

	mgr, err := New(cfg, identity, registry, sessioner, store, bus)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	addr := memory.NextAddr()
	require.NoError(t, mgr.Listen(addr))

	return &testNode{identity: identity, store: store, bus: bus, mgr: mgr, addr: addr}
}

// peerRecordOf 构造指向 other 的节点记录并写入 n 的存储
func (n *testNode) peerRecordOf(t *testing.T, other *testNode) *peerstore.Peer {
	t.Helper()
	p, err := peerstore.NewPeer(other.identity.PublicKey(), other.addr)
	require.NoError(t, err)
	require.NoError(t, n.store.Upsert(p))
	return p
}

func TestDialAndSubstream(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	received := make(chan string, 1)
	b.mgr.RegisterProtocolHandler(types.ProtocolMessaging, func(_ *Connection, s interfaces.MuxStream) {
		defer s.Close()
		buf := make([]byte, 5)
		n, err := s.Read(buf)
		if err == nil {
			received <- string(buf[:n])
		}
	})

	peerB := a.peerRecordOf(t, b)

	conn, err := a.mgr.DialPeer(context.Background(), peerB)
	require.NoError(t, err)
	assert.Equal(t, b.identity.NodeID(), conn.NodeID())
	assert.Equal(t, types.DirOutbound, conn.Direction())
	assert.Equal(t, types.ConnStateReady, conn.State())

	s, err := conn.OpenSubstream(context.Background(), types.ProtocolMessaging)
	require.NoError(t, err)
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	s.Close()

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("substream message not received")
	}
}

func TestDialReusesExistingConnection(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	peerB := a.peerRecordOf(t, b)

	c1, err := a.mgr.DialPeer(context.Background(), peerB)
	require.NoError(t, err)
	c2, err := a.mgr.DialPeer(context.Background(), peerB)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, a.mgr.NumConnections())
}

func TestConcurrentDialsCollapse(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	peerB := a.peerRecordOf(t, b)

	const callers = 8
	conns := make([]*Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := a.mgr.DialPeer(context.Background(), peerB)
			if err == nil {
				conns[i] = c
			}
		}(i)
	}
	wg.Wait()

	// 全部调用者拿到同一条连接
	for i := 1; i < callers; i++ {
		require.NotNil(t, conns[i])
		assert.Same(t, conns[0], conns[i])
	}
	assert.Equal(t, 1, a.mgr.NumConnections())
}

func TestDialBannedPeer(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	peerB := a.peerRecordOf(t, b)

	require.NoError(t, a.store.Ban(b.identity.PublicKey(), time.Hour, "test"))

	_, err := a.mgr.DialPeer(context.Background(), peerB)
	assert.ErrorIs(t, err, ErrPeerBanned)
}

func TestInboundFromBannedPeerRefused(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	// b 封禁 a；a 向 b 建连应失败（b 侧拒绝）
	require.NoError(t, b.store.Ban(a.identity.PublicKey(), time.Hour, "test"))

	peerB := a.peerRecordOf(t, b)
	conn, err := a.mgr.DialPeer(context.Background(), peerB)
	// 握手完成后 b 立即关闭；a 侧要么拨号失败要么连接旋即断开
	if err == nil {
		select {
		case <-conn.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("connection to banning peer not torn down")
		}
	}
	assert.Equal(t, 0, b.mgr.NumConnections())
}

func TestDialToSelf(t *testing.T) {
	a := newTestNode(t)
	self, err := peerstore.NewPeer(a.identity.PublicKey(), a.addr)
	require.NoError(t, err)

	_, err = a.mgr.DialPeer(context.Background(), self)
	assert.ErrorIs(t, err, ErrDialToSelf)
}

func TestDialBackoff(t *testing.T) {
	a := newTestNode(t)

	// 指向没有监听器的地址
	ghost, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	p, err := peerstore.NewPeer(ghost.PublicKey(), memory.NextAddr())
	require.NoError(t, err)
	require.NoError(t, a.store.Upsert(p))

	_, err = a.mgr.DialPeer(context.Background(), p)
	require.ErrorIs(t, err, ErrAllDialsFailed)

	// 立刻重拨落入退避
	_, err = a.mgr.DialPeer(context.Background(), p)
	assert.ErrorIs(t, err, ErrDialBackoff)

	// 退避窗口过后允许重试
	time.Sleep(200 * time.Millisecond)
	_, err = a.mgr.DialPeer(context.Background(), p)
	assert.ErrorIs(t, err, ErrAllDialsFailed)
}

func TestSimultaneousDialTieBreak(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	peerB := a.peerRecordOf(t, b)
	peerA := b.peerRecordOf(t, a)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.mgr.DialPeer(context.Background(), peerB)
	}()
	go func() {
		defer wg.Done()
		b.mgr.DialPeer(context.Background(), peerA)
	}()
	wg.Wait()

	// 等待裁决的延迟关闭完成
	time.Sleep(300 * time.Millisecond)

	// 双方最终各恰好一条连接
	assert.Equal(t, 1, a.mgr.NumConnections())
	assert.Equal(t, 1, b.mgr.NumConnections())

	// 幸存连接的发起者是 NodeID 较小的一方
	connA := a.mgr.GetConnection(b.identity.NodeID())
	require.NotNil(t, connA)
	if a.identity.NodeID().Less(b.identity.NodeID()) {
		assert.Equal(t, types.DirOutbound, connA.Direction())
	} else {
		assert.Equal(t, types.DirInbound, connA.Direction())
	}
}

func TestDisconnectEmitsEvent(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	peerB := a.peerRecordOf(t, b)

	sub, err := a.bus.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	_, err = a.mgr.DialPeer(context.Background(), peerB)
	require.NoError(t, err)

	waitEvent := func(kind types.ConnectivityEventKind) types.ConnectivityEvent {
		for {
			select {
			case ev := <-sub.Events():
				if ev.Kind == kind {
					return ev
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("event %s not received", kind)
				return types.ConnectivityEvent{}
			}
		}
	}

	ev := waitEvent(types.EventPeerConnected)
	assert.Equal(t, b.identity.NodeID(), ev.NodeID)

	require.NoError(t, a.mgr.Disconnect(b.identity.NodeID(), "test"))
	ev = waitEvent(types.EventPeerDisconnected)
	assert.Equal(t, b.identity.NodeID(), ev.NodeID)
	assert.Equal(t, 0, a.mgr.NumConnections())
}

func TestBanPeerDisconnects(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	peerB := a.peerRecordOf(t, b)

	_, err := a.mgr.DialPeer(context.Background(), peerB)
	require.NoError(t, err)

	require.NoError(t, a.mgr.BanPeer(b.identity.PublicKey(), time.Hour, "misbehaviour"))
	assert.Equal(t, 0, a.mgr.NumConnections())
	assert.True(t, a.store.IsBanned(b.identity.PublicKey()))

	// 封禁期内重拨被拒
	_, err = a.mgr.DialPeer(context.Background(), peerB)
	assert.ErrorIs(t, err, ErrPeerBanned)
}

func TestManagerClose(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	peerB := a.peerRecordOf(t, b)

	conn, err := a.mgr.DialPeer(context.Background(), peerB)
	require.NoError(t, err)

	require.NoError(t, a.mgr.Close())
	assert.True(t, conn.IsClosed())

	_, err = a.mgr.DialPeer(context.Background(), peerB)
	assert.ErrorIs(t, err, ErrManagerClosed)
}
