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
	"math/bits"
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/bjoto/seastar/pkg/tcpip"
)

// RouteTable decides the next-hop neighbor for a destination: hosts in
// the connected subnet are reached directly, everything else goes
// through the default gateway.
type RouteTable struct {
	table bart.Table[tcpip.Address]
}

// NewRouteTable builds a table holding the connected prefix derived from
// host/mask and, when gateway is set, a default route through it.
func NewRouteTable(host tcpip.Address, mask tcpip.AddressMask, gateway tcpip.Address) (*RouteTable, error) {
	addr, ok := netip.AddrFromSlice([]byte(host))
	if !ok || len(mask) != 4 {
		return nil, tcpip.ErrMalformedHeader
	}
	ones := 0
	for i := 0; i < len(mask); i++ {
		ones += bits.OnesCount8(mask[i])
	}

	rt := &RouteTable{}
	connected, err := addr.Prefix(ones)
	if err != nil {
		return nil, tcpip.ErrMalformedHeader
	}
	// An empty value marks the prefix as directly connected.
	rt.table.Insert(connected, "")
	if len(gateway) == 4 {
		rt.table.Insert(netip.PrefixFrom(netip.IPv4Unspecified(), 0), gateway)
	}
	return rt, nil
}

// NextHop returns the neighbor address to resolve for dst: dst itself
// when directly connected, the gateway otherwise. ok is false when no
// route covers dst.
func (rt *RouteTable) NextHop(dst tcpip.Address) (tcpip.Address, bool) {
	addr, aok := netip.AddrFromSlice([]byte(dst))
	if !aok {
		return "", false
	}
	via, ok := rt.table.Lookup(addr)
	if !ok {
		return "", false
	}
	if via == "" {
		return dst, true
	}
	return via, true
}
