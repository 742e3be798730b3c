package peerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	addr, err := multiaddr.New("/ip4/127.0.0.1/tcp/9000")
	require.NoError(t, err)

	p, err := NewPeer(id.PublicKey(), addr)
	require.NoError(t, err)
	return p
}

func TestUpsertGet(t *testing.T) {
	s := newTestStore(t)
	p := newTestPeer(t)

	require.NoError(t, s.Upsert(p))
	assert.True(t, s.Exists(p.PublicKey))
	assert.Equal(t, 1, s.Count())

	got, err := s.Get(p.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, p.NodeID, got.NodeID)
	assert.Len(t, got.Addresses, 1)
	assert.False(t, got.AddedAt.IsZero())
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(crypto.PublicKey("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertPreservesAddedAt(t *testing.T) {
	s := newTestStore(t)
	p := newTestPeer(t)

	require.NoError(t, s.Upsert(p))
	first, err := s.Get(p.PublicKey)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Upsert(p))
	second, err := s.Get(p.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, first.AddedAt.Unix(), second.AddedAt.Unix())
}

func TestClosestToOrdering(t *testing.T) {
	s := newTestStore(t)

	var target types.NodeID
	peers := make([]*Peer, 0, 8)
	for i := 0; i < 8; i++ {
		p := newTestPeer(t)
		require.NoError(t, s.Upsert(p))
		peers = append(peers, p)
	}

	got, err := s.ClosestTo(target, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)

	// 距离单调不减
	for i := 1; i < len(got); i++ {
		prev := got[i-1].NodeID.Distance(target)
		cur := got[i].NodeID.Distance(target)
		assert.False(t, cur.Less(prev))
	}
	_ = peers
}

func TestClosestToExcludesBanned(t *testing.T) {
	s := newTestStore(t)
	p := newTestPeer(t)
	require.NoError(t, s.Upsert(p))
	require.NoError(t, s.Ban(p.PublicKey, time.Hour, "test"))

	got, err := s.ClosestTo(p.NodeID, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, s.IsBanned(p.PublicKey))
}

func TestClosestToExcludeOfflineFilter(t *testing.T) {
	s := newTestStore(t)
	online := newTestPeer(t)
	offline := newTestPeer(t)
	require.NoError(t, s.Upsert(online))
	require.NoError(t, s.Upsert(offline))
	require.NoError(t, s.MarkOffline(offline.PublicKey))

	var target types.NodeID
	got, err := s.ClosestTo(target, 10, ExcludeOffline())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, online.NodeID, got[0].NodeID)

	// 清除离线标记后重新可见
	require.NoError(t, s.ClearOffline(offline.PublicKey))
	got, err = s.ClosestTo(target, 10, ExcludeOffline())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestBanExpiry(t *testing.T) {
	s := newTestStore(t)
	p := newTestPeer(t)
	require.NoError(t, s.Upsert(p))
	require.NoError(t, s.Ban(p.PublicKey, -time.Minute, "expired"))

	assert.False(t, s.IsBanned(p.PublicKey))
}

func TestRandom(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Upsert(newTestPeer(t)))
	}

	got, err := s.Random(4)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	// 不重复
	seen := map[string]bool{}
	for _, p := range got {
		assert.False(t, seen[string(p.PublicKey)])
		seen[string(p.PublicKey)] = true
	}
}

func TestSetLastSeenClearsOffline(t *testing.T) {
	s := newTestStore(t)
	p := newTestPeer(t)
	require.NoError(t, s.Upsert(p))
	require.NoError(t, s.MarkOffline(p.PublicKey))

	require.NoError(t, s.SetLastSeen(p.PublicKey, time.Now()))
	got, err := s.Get(p.PublicKey)
	require.NoError(t, err)
	assert.False(t, got.IsOffline())
}

func TestPurgeNotSeenSince(t *testing.T) {
	s := newTestStore(t)
	stale := newTestPeer(t)
	fresh := newTestPeer(t)
	require.NoError(t, s.Upsert(stale))
	require.NoError(t, s.Upsert(fresh))

	require.NoError(t, s.SetLastSeen(stale.PublicKey, time.Now().Add(-48*time.Hour)))
	require.NoError(t, s.SetLastSeen(fresh.PublicKey, time.Now()))

	n, err := s.PurgeNotSeenSince(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.Exists(stale.PublicKey))
	assert.True(t, s.Exists(fresh.PublicKey))
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DatastorePath: dir, PeerDatabaseName: "peer_db"}

	s, err := Open(cfg)
	require.NoError(t, err)
	p := newTestPeer(t)
	require.NoError(t, s.Upsert(p))
	require.NoError(t, s.Close())

	// 重新打开后记录仍在
	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(p.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, p.NodeID, got.NodeID)
	assert.Len(t, got.Addresses, 1)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Upsert(newTestPeer(t)), ErrStoreClosed)
	_, err = s.Get(crypto.PublicKey("x"))
	assert.ErrorIs(t, err, ErrStoreClosed)
}
