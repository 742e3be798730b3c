package saf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/pkg/types"
)

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.Capacity = capacity
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dest(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func TestInsertQuery(t *testing.T) {
	s := newTestStore(t, 100)

	d := dest(1)
	require.NoError(t, s.Insert(d, []byte("env-1"), types.PriorityLow))
	require.NoError(t, s.Insert(d, []byte("env-2"), types.PriorityHigh))
	require.NoError(t, s.Insert(dest(2), []byte("other"), types.PriorityLow))

	msgs, err := s.QueryFor(d, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// 按存储时间升序
	assert.Equal(t, "env-1", string(msgs[0].Envelope))
	assert.Equal(t, "env-2", string(msgs[1].Envelope))
	assert.Equal(t, 3, s.Count())
}

func TestQueryLimit(t *testing.T) {
	s := newTestStore(t, 100)
	d := dest(1)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert(d, []byte{byte(i)}, types.PriorityLow))
	}

	msgs, err := s.QueryFor(d, time.Time{}, 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestQuerySinceFilter(t *testing.T) {
	s := newTestStore(t, 100)
	d := dest(1)

	require.NoError(t, s.Insert(d, []byte("old"), types.PriorityLow))
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Insert(d, []byte("new"), types.PriorityLow))

	msgs, err := s.QueryFor(d, cut, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", string(msgs[0].Envelope))
}

func TestCapacityEvictsOldestLowPriority(t *testing.T) {
	s := newTestStore(t, 3)
	d := dest(1)

	require.NoError(t, s.Insert(d, []byte("low-old"), types.PriorityLow))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Insert(d, []byte("high"), types.PriorityHigh))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Insert(d, []byte("low-new"), types.PriorityLow))

	// 容量已满：高优先级插入淘汰最旧的低优先级
	require.NoError(t, s.Insert(d, []byte("high-2"), types.PriorityHigh))
	assert.Equal(t, 3, s.Count())

	msgs, err := s.QueryFor(d, time.Time{}, 10)
	require.NoError(t, err)
	var bodies []string
	for _, m := range msgs {
		bodies = append(bodies, string(m.Envelope))
	}
	assert.NotContains(t, bodies, "low-old")
	assert.Contains(t, bodies, "high")
	assert.Contains(t, bodies, "high-2")
}

func TestCapacityFullOfHighRejectsLow(t *testing.T) {
	s := newTestStore(t, 2)
	d := dest(1)

	require.NoError(t, s.Insert(d, []byte("h1"), types.PriorityHigh))
	require.NoError(t, s.Insert(d, []byte("h2"), types.PriorityHigh))

	// 全是高优先级：低优先级插入被拒
	err := s.Insert(d, []byte("low"), types.PriorityLow)
	assert.ErrorIs(t, err, ErrFull)

	// 高优先级插入淘汰最旧条目
	require.NoError(t, s.Insert(d, []byte("h3"), types.PriorityHigh))
	assert.Equal(t, 2, s.Count())
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, 10)
	d := dest(1)
	require.NoError(t, s.Insert(d, []byte("env"), types.PriorityLow))

	msgs, err := s.QueryFor(d, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.Remove(msgs[0]))
	assert.Equal(t, 0, s.Count())

	msgs, err = s.QueryFor(d, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCompactRemovesExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.LowPriorityTTL = -time.Second // 立即过期
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	d := dest(1)
	require.NoError(t, s.Insert(d, []byte("expired"), types.PriorityLow))

	removed, err := s.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Count())
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DatastorePath = dir

	s, err := Open(cfg)
	require.NoError(t, err)
	d := dest(1)
	require.NoError(t, s.Insert(d, []byte("durable"), types.PriorityHigh))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, 1, s2.Count())

	msgs, err := s2.QueryFor(d, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "durable", string(msgs[0].Envelope))
}
