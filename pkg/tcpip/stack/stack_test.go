// Copyright 2024 The Seastar Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjoto/seastar/pkg/tcpip"
)

func addr4(t *testing.T, s string) tcpip.Address {
	t.Helper()
	a, ok := tcpip.ParseIPv4(s)
	require.True(t, ok, "ParseIPv4(%q)", s)
	return a
}

func TestRouteTableNextHop(t *testing.T) {
	host := addr4(t, "192.168.1.2")
	mask := tcpip.AddressMask(addr4(t, "255.255.255.0"))
	gw := addr4(t, "192.168.1.254")

	rt, err := NewRouteTable(host, mask, gw)
	require.NoError(t, err)

	// Directly connected hosts resolve to themselves.
	nh, ok := rt.NextHop(addr4(t, "192.168.1.77"))
	require.True(t, ok)
	assert.Equal(t, addr4(t, "192.168.1.77"), nh)

	// Everything else goes through the gateway.
	nh, ok = rt.NextHop(addr4(t, "8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, gw, nh)
}

func TestRouteTableNoGateway(t *testing.T) {
	host := addr4(t, "10.0.0.1")
	mask := tcpip.AddressMask(addr4(t, "255.0.0.0"))

	rt, err := NewRouteTable(host, mask, "")
	require.NoError(t, err)

	nh, ok := rt.NextHop(addr4(t, "10.200.0.9"))
	require.True(t, ok)
	assert.Equal(t, addr4(t, "10.200.0.9"), nh)

	_, ok = rt.NextHop(addr4(t, "8.8.8.8"))
	assert.False(t, ok, "off-subnet destination without a gateway must not route")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host_address: 192.168.1.2
netmask: 255.255.255.0
gateway: 192.168.1.254
frag_timeout: 10s
shards: 4
log_level: debug
`), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.2", c.HostAddress)
	assert.Equal(t, 10*time.Second, c.FragTimeout)
	assert.Equal(t, 4, c.Shards)
	assert.Equal(t, "debug", c.LogLevel)

	// Unset keys take defaults.
	assert.Equal(t, 3<<20, c.FragMemLow)
	assert.Equal(t, 4<<20, c.FragMemHigh)
	assert.Equal(t, time.Second, c.ARPRequestTimeout)
	assert.Equal(t, 20*time.Minute, c.ARPTTL)

	host, mask, gw, err := c.Addresses()
	require.NoError(t, err)
	assert.Equal(t, addr4(t, "192.168.1.2"), host)
	assert.Equal(t, tcpip.AddressMask(addr4(t, "255.255.255.0")), mask)
	assert.Equal(t, addr4(t, "192.168.1.254"), gw)
}

func TestLoadConfigBadAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host_address: not-an-ip\nnetmask: 255.255.255.0\n"), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	_, _, _, err = c.Addresses()
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
