package cluster

import (
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseHostMintsUniqueAddresses(t *testing.T) {
	r := NewHostRegistry()
	a, err := r.LeaseHost()
	require.NoError(t, err)
	b, err := r.LeaseHost()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "127.1.0.1", a)
	assert.Equal(t, "127.1.0.2", b)
}

func TestMintedAddressesStayInValidRange(t *testing.T) {
	r := NewHostRegistry()
	seen := make(map[string]struct{})
	// Crossing 254 and 256 exercises the octet rollover.
	for i := 0; i < 600; i++ {
		addr, err := r.LeaseHost()
		require.NoError(t, err, "lease %d", i)
		_, dup := seen[addr]
		require.False(t, dup, "lease %d minted duplicate %s", i, addr)
		seen[addr] = struct{}{}

		require.NotNil(t, net.ParseIP(addr), "lease %d minted invalid address %q", i, addr)
		octets := strings.Split(addr, ".")
		require.Len(t, octets, 4)
		last, err := strconv.Atoi(octets[3])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, last, 1, addr)
		assert.LessOrEqual(t, last, 254, addr)
	}
}

func TestReleasedHostsAreReusedFirst(t *testing.T) {
	r := NewHostRegistry()
	a, err := r.LeaseHost()
	require.NoError(t, err)
	_, err = r.LeaseHost()
	require.NoError(t, err)

	r.ReleaseHost(a)
	c, err := r.LeaseHost()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}
