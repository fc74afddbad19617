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

package ipv4

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/bjoto/seastar/pkg/log"
	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
	"github.com/bjoto/seastar/pkg/tcpip/checksum"
	"github.com/bjoto/seastar/pkg/tcpip/header"
	"github.com/bjoto/seastar/pkg/tcpip/stack"
)

const (
	// icmpLimit caps how many ICMP replies a shard emits per second.
	icmpLimit rate.Limit = 1000

	// icmpBurst is the reply limiter's burst budget.
	icmpBurst = 50
)

// icmpEndpoint is the engine's built-in ICMP transport. It answers
// echo requests and ignores everything else.
type icmpEndpoint struct {
	e       *Endpoint
	limiter *rate.Limiter
}

func newICMPEndpoint(e *Endpoint) *icmpEndpoint {
	return &icmpEndpoint{
		e:       e,
		limiter: rate.NewLimiter(icmpLimit, icmpBurst),
	}
}

var _ stack.TransportProtocol = (*icmpEndpoint)(nil)

// Received implements stack.TransportProtocol.Received. An echo request
// is turned into an echo reply in place: the type flips, the checksum
// is recomputed over the echoed payload, and the packet goes back out
// addressed to its sender.
func (ic *icmpEndpoint) Received(pkt *buffer.Packet, src, dst tcpip.Address) {
	if pkt.Len() < header.ICMPv4MinimumSize {
		pkt.Release()
		return
	}
	hv := pkt.GetHeader(0, header.ICMPv4MinimumSize)
	if hv == nil {
		if !pkt.Linearize(0, header.ICMPv4MinimumSize) {
			pkt.Release()
			return
		}
		hv = pkt.GetHeader(0, header.ICMPv4MinimumSize)
	}
	h := header.ICMPv4(hv)
	if h.Type() != header.ICMPv4Echo {
		pkt.Release()
		return
	}
	if !ic.limiter.Allow() {
		pkt.Release()
		return
	}

	h.SetType(header.ICMPv4EchoReply)
	h.SetCode(0)
	h.SetChecksum(0)
	h.SetChecksum(^checksum.PacketChecksum(pkt, 0, 0))

	// The send suspends on next-hop resolution, so it runs off the
	// shard loop like any other blocking operation.
	go func() {
		if err := ic.e.Send(context.Background(), src, header.ICMPv4ProtocolNumber, pkt); err != nil {
			log.Debugf("icmp: echo reply to %v failed: %v", src, err)
		}
	}()
}

// Forward implements stack.TransportProtocol.Forward. ICMP has no
// ports, so messages stay on the shard that received them.
func (ic *icmpEndpoint) Forward(_ *buffer.Packet, _ int, _, _ tcpip.Address) stack.ShardID {
	return ic.e.shard
}
