package dht

import (
	"context"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/eventbus"
	"github.com/nexmesh/go-nexmesh/internal/core/noise"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/rpc"
	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/memory"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	envpb "github.com/nexmesh/go-nexmesh/pkg/lib/proto/envelope"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// dhtNode 测试节点
type dhtNode struct {
	identity *crypto.Identity
	store    *peerstore.Store
	bus      *eventbus.Bus
	mgr      *connmgr.Manager
	dht      *Dht
	addr     multiaddr.Multiaddr
}

func newDhtNode(t *testing.T, tweak func(*Config)) *dhtNode {
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

	mgrCfg := connmgr.DefaultConfig()
	mgrCfg.AllowTestAddresses = true
	mgrCfg.BackoffBase = 50 * time.Millisecond
	mgr, err := connmgr.New(mgrCfg, identity, transport.NewRegistry(nil, memory.New()), sessioner, store, bus)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	addr := memory.NextAddr()
	require.NoError(t, mgr.Listen(addr))

	cfg := DefaultConfig()
	cfg.Saf.InMemory = true
	cfg.Discovery.Enabled = false
	cfg.AutoJoin = false
	if tweak != nil {
		tweak(&cfg)
	}

	d, err := New(Options{
		Config:      cfg,
		Identity:    identity,
		Store:       store,
		Manager:     mgr,
		Bus:         bus,
		RPCSessions: rpc.DefaultSessionConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	d.Start()

	return &dhtNode{identity: identity, store: store, bus: bus, mgr: mgr, dht: d, addr: addr}
}

// know 把 other 写入 n 的节点存储
func (n *dhtNode) know(t *testing.T, other *dhtNode) {
	t.Helper()
	p, err := peerstore.NewPeer(other.identity.PublicKey(), other.addr)
	require.NoError(t, err)
	require.NoError(t, n.store.Upsert(p))
}

// connect 建立 n → other 的连接
func (n *dhtNode) connect(t *testing.T, other *dhtNode) {
	t.Helper()
	n.know(t, other)
	p, err := n.store.Get(other.identity.PublicKey())
	require.NoError(t, err)
	_, err = n.mgr.DialPeer(context.Background(), p)
	require.NoError(t, err)
}

func recvMessage(t *testing.T, n *dhtNode, timeout time.Duration) InboundMessage {
	t.Helper()
	select {
	case msg := <-n.dht.Subscribe():
		return msg
	case <-time.After(timeout):
		t.Fatal("no message delivered")
		return InboundMessage{}
	}
}

func TestDirectSendConnected(t *testing.T) {
	a := newDhtNode(t, nil)
	b := newDhtNode(t, nil)
	a.connect(t, b)

	n, err := a.dht.SendMessage(context.Background(), SendRequest{
		Strategy:      StrategyDirect,
		DestNodeID:    b.identity.NodeID(),
		MessageType:   types.MsgTypeDomain,
		Body:          []byte("hello"),
		IncludeOrigin: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := recvMessage(t, b, 3*time.Second)
	assert.Equal(t, "hello", string(msg.Body))
	assert.Equal(t, a.identity.NodeID(), msg.From)
	assert.True(t, crypto.PublicKey(a.identity.PublicKey()).Equal(msg.Origin))

	// 交付时内容哈希已在去重缓存中
	hash := ContentHash(msg.Header.MessageTag, msg.Body)
	assert.True(t, b.dht.Dedup().Contains(hash))
}

func TestEncryptedSendDecryptsAtDestination(t *testing.T) {
	a := newDhtNode(t, nil)
	b := newDhtNode(t, nil)
	a.connect(t, b)

	_, err := a.dht.SendMessage(context.Background(), SendRequest{
		Strategy:      StrategyDirect,
		DestNodeID:    b.identity.NodeID(),
		DestPublicKey: b.identity.PublicKey(),
		MessageType:   types.MsgTypeDomain,
		Body:          []byte("secret"),
		Encrypt:       true,
		IncludeOrigin: true,
	})
	require.NoError(t, err)

	msg := recvMessage(t, b, 3*time.Second)
	assert.Equal(t, "secret", string(msg.Body))
	assert.True(t, msg.Header.IsEncrypted())
}

func TestDuplicateSuppression(t *testing.T) {
	a := newDhtNode(t, nil)
	b := newDhtNode(t, nil)
	a.connect(t, b)

	// 同一信封发三次：应用只见一次，计数器记两次抑制
	body := []byte("gossip")
	header, wireBody, err := a.dht.buildEnvelope(SendRequest{
		Strategy:    StrategyDirect,
		DestNodeID:  b.identity.NodeID(),
		MessageType: types.MsgTypeDomain,
		Body:        body,
	})
	require.NoError(t, err)
	data, err := proto.Marshal(&envpb.Envelope{Header: header, Body: wireBody})
	require.NoError(t, err)

	p, err := a.store.Get(b.identity.PublicKey())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.dht.writeToPeer(context.Background(), p, data))
	}

	msg := recvMessage(t, b, 3*time.Second)
	assert.Equal(t, "gossip", string(msg.Body))

	// 第二次不交付
	select {
	case <-b.dht.Subscribe():
		t.Fatal("duplicate delivered")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, int64(2), b.dht.Dedup().Suppressions())
}

func TestInvalidSignatureBans(t *testing.T) {
	a := newDhtNode(t, nil)
	b := newDhtNode(t, nil)
	a.connect(t, b)

	// 构造签名损坏的信封
	header, wireBody, err := a.dht.buildEnvelope(SendRequest{
		Strategy:      StrategyDirect,
		DestNodeID:    b.identity.NodeID(),
		MessageType:   types.MsgTypeDomain,
		Body:          []byte("bad"),
		IncludeOrigin: true,
	})
	require.NoError(t, err)
	header.OriginSignature[0] ^= 0xff

	data, err := proto.Marshal(&envpb.Envelope{Header: header, Body: wireBody})
	require.NoError(t, err)

	item := inboundItem{from: a.identity.NodeID(), pub: a.identity.PublicKey(), data: data}

	// 三振出局
	for i := 0; i < 3; i++ {
		// 每次换新 tag 避开去重
		header.MessageTag++
		header.OriginSignature = a.identity.Sign(envpb.SigningChallenge(header, wireBody))
		header.OriginSignature[0] ^= 0xff
		data, err = proto.Marshal(&envpb.Envelope{Header: header, Body: wireBody})
		require.NoError(t, err)
		item.data = data
		b.dht.receiveWorker(context.Background(), item)
	}

	assert.True(t, b.store.IsBanned(a.identity.PublicKey()))

	// 封禁期内拨号被拒
	p, err := b.store.Get(a.identity.PublicKey())
	require.NoError(t, err)
	_, err = b.mgr.DialPeer(context.Background(), p)
	assert.ErrorIs(t, err, connmgr.ErrPeerBanned)
}

func TestExpiredMessageDropped(t *testing.T) {
	a := newDhtNode(t, nil)
	b := newDhtNode(t, nil)

	header := &envpb.DhtHeader{
		MessageType: types.MsgTypeDomain,
		MessageTag:  42,
		ExpiresAt:   uint64(time.Now().Add(-time.Minute).Unix()),
		DestNodeID:  b.identity.NodeID().Bytes(),
	}
	data, err := proto.Marshal(&envpb.Envelope{Header: header, Body: []byte("stale")})
	require.NoError(t, err)

	b.dht.receiveWorker(context.Background(), inboundItem{
		from: a.identity.NodeID(),
		pub:  a.identity.PublicKey(),
		data: data,
	})

	select {
	case <-b.dht.Subscribe():
		t.Fatal("expired message delivered")
	case <-time.After(200 * time.Millisecond):
	}
	// 过期计 1 分
	assert.Equal(t, 1, b.dht.ledger.ScoreOf(a.identity.NodeID()))
}

func TestStoreAndForwardDelivery(t *testing.T) {
	a := newDhtNode(t, nil)
	relay := newDhtNode(t, nil)

	// c 先只有身份，保持离线
	cIdentity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	a.connect(t, relay)

	// a 与 relay 都知道 c（无可用地址）
	cRecord, err := peerstore.NewPeer(cIdentity.PublicKey())
	require.NoError(t, err)
	require.NoError(t, a.store.Upsert(cRecord))
	require.NoError(t, relay.store.Upsert(cRecord.Clone()))

	// a 发加密消息给离线的 c，允许代存
	_, err = a.dht.SendMessage(context.Background(), SendRequest{
		Strategy:        StrategyDirect,
		DestPublicKey:   cIdentity.PublicKey(),
		MessageType:     types.MsgTypeDomain,
		Body:            []byte("offline delivery"),
		Encrypt:         true,
		IncludeOrigin:   true,
		StoreAndForward: true,
	})
	require.NoError(t, err)

	// relay 收到后因 c 不可达而代存
	waitFor(t, func() bool { return relay.dht.safStore.Count() == 1 }, "relay did not store envelope")

	// c 上线并连接 relay，触发检索
	c := newDhtNodeWithIdentity(t, cIdentity)
	c.connect(t, relay)

	msg := recvMessage(t, c, 5*time.Second)
	assert.Equal(t, "offline delivery", string(msg.Body))

	// 去重缓存已登记该消息
	hash := ContentHash(msg.Header.MessageTag, msg.Body)
	assert.True(t, c.dht.Dedup().Contains(hash))

	// relay 侧条目已删除
	waitFor(t, func() bool { return relay.dht.safStore.Count() == 0 }, "relay did not remove returned envelope")
}

func TestPeerSyncRPC(t *testing.T) {
	a := newDhtNode(t, nil)
	b := newDhtNode(t, nil)

	// b 知道若干第三方节点
	for i := 0; i < 5; i++ {
		id, err := crypto.GenerateIdentity()
		require.NoError(t, err)
		p, err := peerstore.NewPeer(id.PublicKey(), memory.NextAddr())
		require.NoError(t, err)
		require.NoError(t, b.store.Upsert(p))
	}

	a.connect(t, b)
	before := a.store.Count()

	added, err := a.dht.syncPeersFrom(b.identity.NodeID(), a.identity.NodeID())
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	assert.Equal(t, before+5, a.store.Count())
}

func TestJoinAnnounceMerged(t *testing.T) {
	a := newDhtNode(t, nil)
	b := newDhtNode(t, nil)
	a.connect(t, b)

	require.NoError(t, a.dht.announceJoin())

	// b 收到宣告后把 a 的监听地址合入存储
	waitFor(t, func() bool {
		p, err := b.store.Get(a.identity.PublicKey())
		return err == nil && len(p.Addresses) > 0
	}, "join announce not merged")
}

func TestDiscoveryConvergence(t *testing.T) {
	// 链状种子：每个节点只认识下一个；若干轮同步后每个节点
	// 的存储应覆盖全网
	const n = 4
	nodes := make([]*dhtNode, n)
	for i := 0; i < n; i++ {
		nodes[i] = newDhtNode(t, nil)
	}
	for i := 0; i < n-1; i++ {
		nodes[i].connect(t, nodes[i+1])
	}

	for round := 0; round < n; round++ {
		for i := 0; i < n; i++ {
			for _, conn := range nodes[i].mgr.Connections() {
				nodes[i].dht.syncPeersFrom(conn.NodeID(), nodes[i].identity.NodeID())
			}
		}
	}

	// 每个节点认识除自己之外的所有节点
	for i := 0; i < n; i++ {
		assert.GreaterOrEqual(t, nodes[i].store.Count(), n-1, "node %d", i)
	}
}

// newDhtNodeWithIdentity 以指定身份构造测试节点
func newDhtNodeWithIdentity(t *testing.T, identity *crypto.Identity) *dhtNode {
	t.Helper()

	store, err := peerstore.Open(peerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.NewBus()
	t.Cleanup(func() { bus.Close() })

	sessioner, err := noise.New(identity, noise.DefaultConfig())
	require.NoError(t, err)

	mgrCfg := connmgr.DefaultConfig()
	mgrCfg.AllowTestAddresses = true
	mgr, err := connmgr.New(mgrCfg, identity, transport.NewRegistry(nil, memory.New()), sessioner, store, bus)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	addr := memory.NextAddr()
	require.NoError(t, mgr.Listen(addr))

	cfg := DefaultConfig()
	cfg.Saf.InMemory = true
	cfg.Discovery.Enabled = false
	cfg.AutoJoin = false

	d, err := New(Options{
		Config:      cfg,
		Identity:    identity,
		Store:       store,
		Manager:     mgr,
		Bus:         bus,
		RPCSessions: rpc.DefaultSessionConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	d.Start()

	return &dhtNode{identity: identity, store: store, bus: bus, mgr: mgr, dht: d, addr: addr}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}
