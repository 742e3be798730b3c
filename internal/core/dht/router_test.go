package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/memory"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// routerRig 目标选择测试环境
type routerRig struct {
	node  *dhtNode
	peers []*peerstore.Peer
}

func newRouterRig(t *testing.T, numPeers int, tweak func(*Config)) *routerRig {
	t.Helper()
	node := newDhtNode(t, tweak)

	peers := make([]*peerstore.Peer, 0, numPeers)
	for i := 0; i < numPeers; i++ {
		id, err := crypto.GenerateIdentity()
		require.NoError(t, err)
		p, err := peerstore.NewPeer(id.PublicKey(), memory.NextAddr())
		require.NoError(t, err)
		require.NoError(t, node.store.Upsert(p))
		peers = append(peers, p)
	}
	return &routerRig{node: node, peers: peers}
}

func TestSelectDirect(t *testing.T) {
	rig := newRouterRig(t, 3, nil)
	target := rig.peers[1]

	got, err := rig.node.dht.router.SelectPeers(StrategyDirect, target.NodeID, types.NodeID{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, target.NodeID, got[0].NodeID)
}

func TestSelectDirectUnknownPeer(t *testing.T) {
	rig := newRouterRig(t, 1, nil)

	var unknown types.NodeID
	unknown[0] = 0xff
	_, err := rig.node.dht.router.SelectPeers(StrategyDirect, unknown, types.NodeID{})
	assert.ErrorIs(t, err, ErrNoEligiblePeers)
}

func TestSelectDirectBannedPeer(t *testing.T) {
	rig := newRouterRig(t, 2, nil)
	target := rig.peers[0]
	require.NoError(t, rig.node.store.Ban(target.PublicKey, time.Hour, "test"))

	_, err := rig.node.dht.router.SelectPeers(StrategyDirect, target.NodeID, types.NodeID{})
	assert.ErrorIs(t, err, ErrNoEligiblePeers)
}

func TestSelectClosestOrderAndExclude(t *testing.T) {
	rig := newRouterRig(t, 10, func(c *Config) {
		c.NumNeighbouringNodes = 4
	})

	var target types.NodeID
	target[0] = 0x55

	got, err := rig.node.dht.router.SelectPeers(StrategyClosest, target, types.NodeID{})
	require.NoError(t, err)
	require.Len(t, got, 4)

	// 距离升序
	for i := 1; i < len(got); i++ {
		prev := got[i-1].NodeID.Distance(target)
		cur := got[i].NodeID.Distance(target)
		assert.False(t, cur.Less(prev))
	}

	// 排除来源后不包含它
	exclude := got[0].NodeID
	got2, err := rig.node.dht.router.SelectPeers(StrategyClosest, target, exclude)
	require.NoError(t, err)
	for _, p := range got2 {
		assert.False(t, p.NodeID.Equal(exclude))
	}
}

func TestSelectPropagateFactor(t *testing.T) {
	rig := newRouterRig(t, 10, func(c *Config) {
		c.PropagationFactor = 3
	})

	var target types.NodeID
	got, err := rig.node.dht.router.SelectPeers(StrategyPropagate, target, types.NodeID{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSelectBroadcastMix(t *testing.T) {
	rig := newRouterRig(t, 20, func(c *Config) {
		c.BroadcastFactor = 6
	})

	got, err := rig.node.dht.router.SelectPeers(StrategyBroadcast, types.NodeID{}, types.NodeID{})
	require.NoError(t, err)
	assert.Len(t, got, 6)

	// 无重复
	seen := map[types.NodeID]bool{}
	for _, p := range got {
		assert.False(t, seen[p.NodeID])
		seen[p.NodeID] = true
	}
}

func TestSelectFloodRateLimit(t *testing.T) {
	a := newDhtNode(t, func(c *Config) {
		c.FloodMaxPerInterval = 2
		c.FloodInterval = time.Hour
	})
	b := newDhtNode(t, nil)
	a.connect(t, b)

	for i := 0; i < 2; i++ {
		_, err := a.dht.router.SelectPeers(StrategyFlood, types.NodeID{}, types.NodeID{})
		require.NoError(t, err)
	}

	// 限速窗口内第三次被拒
	_, err := a.dht.router.SelectPeers(StrategyFlood, types.NodeID{}, types.NodeID{})
	assert.ErrorIs(t, err, ErrNoEligiblePeers)
}

func TestSelectEmptyStore(t *testing.T) {
	node := newDhtNode(t, nil)

	var target types.NodeID
	_, err := node.dht.router.SelectPeers(StrategyClosest, target, types.NodeID{})
	assert.ErrorIs(t, err, ErrNoEligiblePeers)
}

func TestWithinStorageNeighbourhood(t *testing.T) {
	node := newDhtNode(t, func(c *Config) {
		c.Saf.NumNeighbouringNodes = 2
	})

	var dest types.NodeID
	dest[0] = 0x42

	// 已知节点少于邻域大小：总在邻域内
	assert.True(t, node.dht.withinStorageNeighbourhood(dest))
}
