package multiaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"/ip4/127.0.0.1/tcp/9000",
		"/ip6/::1/tcp/18189",
		"/dns4/seed.example.com/tcp/18141",
		"/onion3/vwyawzbcwkjcndtcwzgkpbsmxhkmxv6gzvsyttawewnmtmrv4fh66jyd:18141",
		"/memory/7",
	}
	for _, s := range cases {
		m, err := New(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, m.String())
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"no-slash",
		"/ip4",
		"/ip4/not-an-ip/tcp/1",
		"/ip4/127.0.0.1/tcp/99999",
		"/wat/1",
		"/onion3/short:80",
	}
	for _, s := range cases {
		_, err := New(s)
		assert.Error(t, err, s)
	}
}

func TestToTCPAddr(t *testing.T) {
	m, err := New("/ip4/10.0.0.5/tcp/18189")
	require.NoError(t, err)

	addr, err := m.ToTCPAddr()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:18189", addr)

	mem, err := New("/memory/3")
	require.NoError(t, err)
	_, err = mem.ToTCPAddr()
	assert.ErrorIs(t, err, ErrNotTCP)
}

func TestToOnionAddr(t *testing.T) {
	m, err := New("/onion3/vwyawzbcwkjcndtcwzgkpbsmxhkmxv6gzvsyttawewnmtmrv4fh66jyd:18141")
	require.NoError(t, err)

	host, port, err := m.ToOnionAddr()
	require.NoError(t, err)
	assert.Equal(t, "vwyawzbcwkjcndtcwzgkpbsmxhkmxv6gzvsyttawewnmtmrv4fh66jyd.onion", host)
	assert.Equal(t, uint16(18141), port)
}

func TestFromTCPAddr(t *testing.T) {
	m, err := FromTCPAddr(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000})
	require.NoError(t, err)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/4000", m.String())
}

func TestPatternMatches(t *testing.T) {
	addr := func(s string) Multiaddr {
		m, err := New(s)
		require.NoError(t, err)
		return m
	}

	p := MustPattern("/ip4/127.*.*.*/tcp/*")
	assert.True(t, p.Matches(addr("/ip4/127.0.0.1/tcp/9000")))
	assert.True(t, p.Matches(addr("/ip4/127.255.3.4/tcp/1")))
	assert.False(t, p.Matches(addr("/ip4/10.0.0.1/tcp/9000")))
	assert.False(t, p.Matches(addr("/memory/1")))

	// 数值范围
	r := MustPattern("/ip4/192.168.0.1-100/tcp/18000-19000")
	assert.True(t, r.Matches(addr("/ip4/192.168.0.50/tcp/18500")))
	assert.False(t, r.Matches(addr("/ip4/192.168.0.200/tcp/18500")))
	assert.False(t, r.Matches(addr("/ip4/192.168.0.50/tcp/20000")))
}

func TestPatternList(t *testing.T) {
	list, err := NewPatternList([]string{"/memory/*", "/ip4/127.0.0.1/tcp/*"})
	require.NoError(t, err)

	m, _ := New("/memory/42")
	assert.True(t, list.Matches(m))

	m2, _ := New("/ip4/8.8.8.8/tcp/53")
	assert.False(t, list.Matches(m2))
}

func TestCIDRList(t *testing.T) {
	list, err := NewCIDRList([]string{"127.0.0.0/8", "10.0.0.0/24"})
	require.NoError(t, err)

	assert.True(t, list.Contains(net.ParseIP("127.1.2.3")))
	assert.True(t, list.Contains(net.ParseIP("10.0.0.9")))
	assert.False(t, list.Contains(net.ParseIP("192.168.1.1")))

	_, err = NewCIDRList([]string{"not-a-cidr"})
	assert.Error(t, err)
}
