package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDFromPublicKey(t *testing.T) {
	pub := []byte("test-public-key-material-32bytes")

	id1, err := NodeIDFromPublicKey(pub)
	require.NoError(t, err)
	assert.False(t, id1.IsZero())

	// 派生是确定性的
	id2, err := NodeIDFromPublicKey(pub)
	require.NoError(t, err)
	assert.True(t, id1.Equal(id2))

	// 不同输入产生不同 NodeID
	id3, err := NodeIDFromPublicKey([]byte("another-public-key"))
	require.NoError(t, err)
	assert.False(t, id1.Equal(id3))
}

func TestNodeIDFromPublicKeyEmpty(t *testing.T) {
	_, err := NodeIDFromPublicKey(nil)
	require.Error(t, err)
}

func TestNodeIDFromBytes(t *testing.T) {
	b := make([]byte, NodeIDLen)
	b[0] = 0xab

	id, err := NodeIDFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, b, id.Bytes())

	_, err = NodeIDFromBytes(make([]byte, 5))
	require.Error(t, err)
}

func TestNodeIDDistance(t *testing.T) {
	var a, b NodeID
	a[0] = 0b1010
	b[0] = 0b0110

	d := a.Distance(b)
	assert.Equal(t, byte(0b1100), d[0])

	// 自距离为零
	assert.True(t, a.Distance(a).IsZero())

	// 对称性
	assert.Equal(t, d, b.Distance(a))
}

func TestNodeDistanceLess(t *testing.T) {
	var near, far NodeDistance
	near[NodeIDLen-1] = 1
	far[0] = 1

	assert.True(t, near.Less(far))
	assert.False(t, far.Less(near))
	assert.False(t, near.Less(near))
}

func TestNodeIDLess(t *testing.T) {
	var a, b NodeID
	b[0] = 1

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestFeatures(t *testing.T) {
	f := FeatureMessaging | FeatureDHT

	assert.True(t, f.Has(FeatureMessaging))
	assert.False(t, f.Has(FeatureRPC))
	assert.Equal(t, FeatureDHT, f.Intersect(FeatureDHT|FeatureRPC))
}

func TestPriorityOf(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityOf(MsgTypeJoin))
	assert.Equal(t, PriorityHigh, PriorityOf(MsgTypeSafRequest))
	assert.Equal(t, PriorityLow, PriorityOf(MsgTypeDomain))
}
