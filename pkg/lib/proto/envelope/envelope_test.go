package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/pkg/lib/proto/common"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

func sampleHeader() *DhtHeader {
	return &DhtHeader{
		OriginPublicKey: []byte("origin-pk"),
		OriginSignature: []byte("origin-sig"),
		DestNodeID:      make([]byte, types.NodeIDLen),
		MessageType:     types.MsgTypeDomain,
		Flags:           FlagEncrypted | FlagStoreForward,
		EphemeralPubKey: []byte("eph-pk"),
		Nonce:           []byte("nonce-bytes!"),
		MessageTag:      0xdeadbeefcafe,
		ExpiresAt:       1700000000,
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &Envelope{Header: sampleHeader(), Body: []byte("ciphertext body")}

	data, err := in.Marshal()
	require.NoError(t, err)

	out := &Envelope{}
	require.NoError(t, out.Unmarshal(data))

	assert.Equal(t, in.Header, out.Header)
	assert.Equal(t, in.Body, out.Body)
}

func TestEnvelopeUnknownFieldsSkipped(t *testing.T) {
	in := &Envelope{Header: sampleHeader(), Body: []byte("body")}
	data, err := in.Marshal()
	require.NoError(t, err)

	// 追加未来版本的未知字段（field 15, bytes）
	data = common.AppendBytesField(data, 15, []byte("from-the-future"))
	// 以及一个 varint 未知字段
	data = common.AppendUint64Field(data, 16, 42)

	out := &Envelope{}
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, in.Header, out.Header)
	assert.Equal(t, in.Body, out.Body)
}

func TestEnvelopeTruncated(t *testing.T) {
	in := &Envelope{Header: sampleHeader(), Body: []byte("body")}
	data, err := in.Marshal()
	require.NoError(t, err)

	out := &Envelope{}
	assert.Error(t, out.Unmarshal(data[:len(data)-3]))
}

func TestEnvelopeMissingHeader(t *testing.T) {
	out := &Envelope{}
	var b []byte
	b = common.AppendBytesField(b, 2, []byte("body-only"))
	assert.Error(t, out.Unmarshal(b))
}

func TestHeaderFlags(t *testing.T) {
	h := &DhtHeader{Flags: FlagEncrypted}
	assert.True(t, h.IsEncrypted())
	assert.False(t, h.AllowsStoreForward())
	assert.False(t, h.HasOrigin())
}

func TestHeaderExpiry(t *testing.T) {
	now := time.Now()
	h := &DhtHeader{ExpiresAt: uint64(now.Add(-time.Minute).Unix())}
	assert.True(t, h.IsExpired(now))

	h.ExpiresAt = uint64(now.Add(time.Hour).Unix())
	assert.False(t, h.IsExpired(now))

	h.ExpiresAt = 0
	assert.False(t, h.IsExpired(now))
}

func TestDestinationNodeID(t *testing.T) {
	var want types.NodeID
	want[0] = 7

	h := &DhtHeader{DestNodeID: want.Bytes()}
	got, ok := h.DestinationNodeID()
	require.True(t, ok)
	assert.Equal(t, want, got)

	// 公钥目的：从公钥派生
	pk := []byte("destination-public-key")
	h = &DhtHeader{DestPublicKey: pk}
	got, ok = h.DestinationNodeID()
	require.True(t, ok)
	derived, err := types.NodeIDFromPublicKey(pk)
	require.NoError(t, err)
	assert.Equal(t, derived, got)

	// Unknown 目的
	h = &DhtHeader{}
	_, ok = h.DestinationNodeID()
	assert.False(t, ok)
}

func TestSigningChallengeCoversBody(t *testing.T) {
	h := sampleHeader()
	c1 := SigningChallenge(h, []byte("body-a"))
	c2 := SigningChallenge(h, []byte("body-b"))
	assert.NotEqual(t, c1, c2)

	// 确定性
	assert.Equal(t, c1, SigningChallenge(h, []byte("body-a")))
}
