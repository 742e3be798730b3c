package nexmesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/memory"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// newMemoryNode 构造使用进程内传输的测试节点
func newMemoryNode(t *testing.T) *Node {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DatastorePath = t.TempDir()
	cfg.Dht.Saf.InMemory = true
	cfg.Dht.Discovery.Enabled = false
	cfg.Dht.AutoJoin = false

	node, err := NewNode(cfg,
		WithMemoryTransport(),
		WithListenAddrs(memory.NextAddr().String()),
	)
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(func() { node.Close() })
	return node
}

// link 让 a 知道并连接 b
func link(t *testing.T, a, b *Node) {
	t.Helper()
	addrs := make([]string, 0, 1)
	for _, m := range b.ListenAddresses() {
		addrs = append(addrs, m.String())
	}
	require.NoError(t, a.AddPeer(b.PublicKey(), addrs...))

	p, err := a.PeerStore().Get(b.PublicKey())
	require.NoError(t, err)
	_, err = a.ConnectionManager().DialPeer(context.Background(), p)
	require.NoError(t, err)
}

func TestNodeStartClose(t *testing.T) {
	node := newMemoryNode(t)
	assert.False(t, node.NodeID().IsZero())
	assert.NotEmpty(t, node.ListenAddresses())

	require.NoError(t, node.Close())
	// 幂等
	require.NoError(t, node.Close())
}

func TestDirectMessageExactlyOnce(t *testing.T) {
	a := newMemoryNode(t)
	b := newMemoryNode(t)
	link(t, a, b)

	require.NoError(t, a.SendDirect(context.Background(), b.NodeID(), []byte("hello")))

	select {
	case msg := <-b.Messages():
		assert.Equal(t, "hello", string(msg.Body))
		assert.Equal(t, a.NodeID(), msg.From)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	// 没有第二次交付
	select {
	case <-b.Messages():
		t.Fatal("unexpected second delivery")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEncryptedMessage(t *testing.T) {
	a := newMemoryNode(t)
	b := newMemoryNode(t)
	link(t, a, b)

	require.NoError(t, a.SendEncrypted(context.Background(), b.PublicKey(), []byte("secret")))

	select {
	case msg := <-b.Messages():
		assert.Equal(t, "secret", string(msg.Body))
		assert.True(t, msg.Header.IsEncrypted())
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestConnectivityEventsSurface(t *testing.T) {
	a := newMemoryNode(t)
	b := newMemoryNode(t)

	sub, err := a.Events()
	require.NoError(t, err)
	defer sub.Close()

	link(t, a, b)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == types.EventPeerConnected && ev.NodeID.Equal(b.NodeID()) {
				return
			}
		case <-deadline:
			t.Fatal("peer-connected event not observed")
		}
	}
}

func TestErrorKindMapping(t *testing.T) {
	a := newMemoryNode(t)
	b := newMemoryNode(t)
	link(t, a, b)

	// 封禁后拨号的错误映射到 PeerBanned
	require.NoError(t, a.ConnectionManager().BanPeer(b.PublicKey(), time.Hour, "test"))

	p, err := a.PeerStore().Get(b.PublicKey())
	require.NoError(t, err)
	_, err = a.ConnectionManager().DialPeer(context.Background(), p)
	require.ErrorIs(t, err, connmgr.ErrPeerBanned)
	assert.Equal(t, KindPeerBanned, KindOf(err))
	assert.Equal(t, "peer-banned", KindPeerBanned.String())
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatastorePath = ""
	_, err := NewNode(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.DatastorePath = t.TempDir()
	cfg.Transport = "carrier-pigeon"
	_, err = NewNode(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.DatastorePath = t.TempDir()
	cfg.ExcludedDialAddresses = []string{"not-a-pattern"}
	_, err = NewNode(cfg)
	assert.Error(t, err)
}
