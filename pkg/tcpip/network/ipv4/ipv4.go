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

// Package ipv4 contains the per-shard IPv4 engine. It validates and
// parses ingress datagrams, reassembles fragments, steers packets to
// the shard owning their flow, fragments egress datagrams the hardware
// cannot segment, and resolves next hops through ARP before handing
// frames to the link layer.
package ipv4

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bjoto/seastar/pkg/log"
	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
	"github.com/bjoto/seastar/pkg/tcpip/checksum"
	"github.com/bjoto/seastar/pkg/tcpip/header"
	"github.com/bjoto/seastar/pkg/tcpip/network/arp"
	"github.com/bjoto/seastar/pkg/tcpip/network/fragmentation"
	"github.com/bjoto/seastar/pkg/tcpip/network/hash"
	"github.com/bjoto/seastar/pkg/tcpip/stack"
)

// Options configures one shard's engine.
type Options struct {
	// Shard is the shard this engine runs on; NumShards is the size of
	// the shard set used for steering.
	Shard     stack.ShardID
	NumShards int

	// HostAddress, Netmask and Gateway describe the local network.
	HostAddress tcpip.Address
	Netmask     tcpip.AddressMask
	Gateway     tcpip.Address

	// Link is the link-layer driver below the engine.
	Link stack.LinkEndpoint

	// ARP resolves next-hop link addresses.
	ARP *arp.Resolver

	// Clock drives reassembly timeouts. Defaults to the stdlib clock.
	Clock tcpip.Clock

	// FragTimeout, FragMemLow and FragMemHigh bound the reassembly
	// cache; zero values pick the fragmentation package defaults.
	FragTimeout time.Duration
	FragMemLow  int
	FragMemHigh int

	// PacketFilter, when set, sees every ingress datagram before local
	// delivery.
	PacketFilter stack.PacketFilter

	// SubmitLocal schedules a function on this engine's shard. It is
	// used to run the storage cleanup of cross-shard forwarded packets
	// on the originating shard. May be nil.
	SubmitLocal func(func())
}

// Endpoint is the IPv4 engine of one shard.
type Endpoint struct {
	shard       stack.ShardID
	numShards   int
	hostAddr    tcpip.Address
	netmask     tcpip.AddressMask
	routes      *stack.RouteTable
	link        stack.LinkEndpoint
	arp         *arp.Resolver
	frag        *fragmentation.Fragmentation
	clock       tcpip.Clock
	filter      stack.PacketFilter
	transports  map[tcpip.TransportProtocolNumber]stack.TransportProtocol
	stats       tcpip.Stats
	submitLocal func(func())

	// nextID feeds the identification field of egress datagrams. One
	// value is allocated per datagram and shared by its fragments.
	nextID uint32
}

var _ stack.NetworkDispatcher = (*Endpoint)(nil)

// NewEndpoint creates an engine and registers it with the link layer.
func NewEndpoint(opts Options) (*Endpoint, error) {
	if opts.NumShards <= 0 {
		opts.NumShards = 1
	}
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	if opts.FragTimeout == 0 {
		opts.FragTimeout = fragmentation.DefaultReassembleTimeout
	}
	if opts.FragMemLow == 0 {
		opts.FragMemLow = fragmentation.LowFragThreshold
	}
	if opts.FragMemHigh == 0 {
		opts.FragMemHigh = fragmentation.HighFragThreshold
	}
	routes, err := stack.NewRouteTable(opts.HostAddress, opts.Netmask, opts.Gateway)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		shard:       opts.Shard,
		numShards:   opts.NumShards,
		hostAddr:    opts.HostAddress,
		netmask:     opts.Netmask,
		routes:      routes,
		link:        opts.Link,
		arp:         opts.ARP,
		clock:       opts.Clock,
		filter:      opts.PacketFilter,
		transports:  make(map[tcpip.TransportProtocolNumber]stack.TransportProtocol),
		submitLocal: opts.SubmitLocal,
	}
	e.frag = fragmentation.NewFragmentation(opts.FragMemHigh, opts.FragMemLow, opts.FragTimeout, opts.Clock, &e.stats)
	e.RegisterTransport(header.ICMPv4ProtocolNumber, newICMPEndpoint(e))
	if e.arp != nil {
		e.arp.SetSelfAddr(opts.HostAddress)
	}
	e.link.Receive(e, e.ShardOf)
	return e, nil
}

// Stats returns the engine's drop and failure counters.
func (e *Endpoint) Stats() *tcpip.Stats {
	return &e.stats
}

// RegisterTransport adds an upper protocol to the dispatch table.
// Adding protocols is a registration, not a subclass.
func (e *Endpoint) RegisterTransport(proto tcpip.TransportProtocolNumber, t stack.TransportProtocol) {
	e.transports[proto] = t
}

// SetPacketFilter installs a filter seeing every ingress datagram.
func (e *Endpoint) SetPacketFilter(f stack.PacketFilter) {
	e.filter = f
}

// HostAddress returns the engine's local address.
func (e *Endpoint) HostAddress() tcpip.Address {
	return e.hostAddr
}

func (e *Endpoint) inSubnet(a tcpip.Address) bool {
	return tcpip.Subnet(a, e.hostAddr, e.netmask)
}

// ShardOf decides which shard continues processing the frame whose IP
// header starts at l3Off. Atomic datagrams follow the upper protocol's
// flow hash; fragments hash their fragment id, which depends only on
// IP-header fields, so every fragment of a datagram lands on the same
// shard regardless of arrival order.
func (e *Endpoint) ShardOf(pkt *buffer.Packet, l3Off int) stack.ShardID {
	v := pkt.GetHeader(l3Off, header.IPv4MinimumSize)
	if v == nil {
		if !pkt.Linearize(l3Off, header.IPv4MinimumSize) {
			return e.shard
		}
		v = pkt.GetHeader(l3Off, header.IPv4MinimumSize)
	}
	h := header.IPv4(v)
	if h.More() || h.FragmentOffset() != 0 {
		return stack.ShardID(hash.IPv4FragmentHash(h) % uint32(e.numShards))
	}
	t := e.transports[h.TransportProtocol()]
	if t == nil {
		return e.shard
	}
	return t.Forward(pkt, l3Off+int(h.HeaderLength()), h.SourceAddress(), h.DestinationAddress())
}

// DeliverNetworkPacket handles one received IPv4 packet. The packet
// starts at the IP header. All errors drop the packet silently with a
// counter increment.
func (e *Endpoint) DeliverNetworkPacket(pkt *buffer.Packet, from tcpip.LinkAddress) {
	hv := pkt.GetHeader(0, header.IPv4MinimumSize)
	if hv == nil {
		if !pkt.Linearize(0, header.IPv4MinimumSize) {
			e.drop(pkt, &e.stats.RxMalformed)
			return
		}
		hv = pkt.GetHeader(0, header.IPv4MinimumSize)
	}

	hlen := int(header.IPv4(hv).HeaderLength())
	if hlen < header.IPv4MinimumSize || hlen > pkt.Len() {
		e.drop(pkt, &e.stats.RxMalformed)
		return
	}
	hv = pkt.GetHeader(0, hlen)
	if hv == nil {
		if !pkt.Linearize(0, hlen) {
			e.drop(pkt, &e.stats.RxMalformed)
			return
		}
		hv = pkt.GetHeader(0, hlen)
	}
	h := header.IPv4(hv)
	if !h.IsValid(pkt.Len()) {
		e.drop(pkt, &e.stats.RxMalformed)
		return
	}

	// Fragments were verified before reassembly; the rebuilt datagram
	// carries no valid header checksum of its own.
	if !e.link.HWFeatures().RxChecksumOffload && !pkt.OffloadInfo().Reassembled {
		if checksum.Checksum(hv, 0) != 0xffff {
			e.drop(pkt, &e.stats.RxBadChecksum)
			return
		}
	}

	tlen := int(h.TotalLength())
	switch {
	case pkt.Len() > tlen:
		// Trim padding beyond the IP total length.
		pkt.TrimBack(pkt.Len() - tlen)
	case pkt.Len() < tlen:
		e.drop(pkt, &e.stats.RxMalformed)
		return
	}

	offset := int(h.FragmentOffset())
	if offset+pkt.Len() > header.IPv4MaxTotalSize {
		e.drop(pkt, &e.stats.RxOversize)
		return
	}

	src := h.SourceAddress()
	dst := h.DestinationAddress()
	if e.arp != nil && e.inSubnet(src) && src != e.hostAddr {
		e.arp.Learn(from, src)
	}

	if e.filter != nil && e.filter.Handle(pkt, h, from) {
		return
	}

	if dst != e.hostAddr {
		e.drop(pkt, &e.stats.RxNotForUs)
		return
	}

	if h.More() || offset != 0 {
		e.handleFragment(h, hlen, offset, pkt, from)
		return
	}

	t := e.transports[h.TransportProtocol()]
	if t == nil {
		pkt.Release()
		return
	}
	pkt.TrimFront(hlen)
	t.Received(pkt, src, dst)
}

// handleFragment runs the reassembly path. When the datagram becomes
// complete it is either delivered locally or, when the flow hash names
// another shard, rebuilt into an L2 frame and re-injected there.
func (e *Endpoint) handleFragment(h header.IPv4, hlen, offset int, pkt *buffer.Packet, from tcpip.LinkAddress) {
	src := h.SourceAddress()
	dst := h.DestinationAddress()
	proto := h.TransportProtocol()
	id := fragmentation.FragmentID{
		Src:   src,
		Dst:   dst,
		ID:    h.ID(),
		Proto: h.Protocol(),
	}
	hdr, data, done := e.frag.Process(id, hlen, offset, !h.More(), pkt)
	if !done {
		return
	}

	t := e.transports[proto]
	if t == nil {
		hdr.Release()
		data.Release()
		return
	}
	target := t.Forward(data, 0, src, dst)
	if target == e.shard {
		hdr.Release()
		t.Received(data, src, dst)
		return
	}

	frame := assembleFrame(hdr, data, from, e.link.HWAddress())
	if e.submitLocal != nil {
		frame.ReleaseOn(e.submitLocal)
	}
	e.link.ShardForward(target, frame)
}

// assembleFrame rebuilds an L2 frame around a reassembled datagram so a
// peer shard can re-enter the stack with it. The frame bears the local
// MAC as destination, a cleared fragment field, the summed total
// length, and the reassembled offload mark telling the peer to skip
// checksum and reassembly.
func assembleFrame(hdr, data *buffer.Packet, from, local tcpip.LinkAddress) *buffer.Packet {
	ipLen := hdr.Len()
	eth := header.Ethernet(hdr.PrependHeader(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: from,
		DstAddr: local,
		Type:    header.IPv4ProtocolNumber,
	})
	hdr.Append(data)
	iph := header.IPv4(hdr.GetHeader(header.EthernetMinimumSize, ipLen))
	iph.SetTotalLength(uint16(hdr.Len() - header.EthernetMinimumSize))
	iph.SetFlagsFragmentOffset(0, 0)
	oi := hdr.OffloadInfo()
	oi.Reassembled = true
	hdr.SetOffloadInfo(oi)
	return hdr
}

// needsFrag reports whether the datagram must be fragmented in
// software: it exceeds the link MTU and the hardware cannot segment it
// for this protocol.
func needsFrag(length int, proto tcpip.TransportProtocolNumber, hw stack.HWFeatures) bool {
	if length+header.IPv4MinimumSize <= int(hw.MTU) {
		return false
	}
	if proto == header.TCPProtocolNumber && hw.TSO {
		return false
	}
	if proto == header.UDPProtocolNumber && hw.UFO {
		return false
	}
	return true
}

// Send transmits pkt as one or more IPv4 datagram fragments to dst.
// The next hop is dst itself when directly connected, the default
// gateway otherwise. Fragments are emitted in increasing offset order;
// the first emission error abandons the remainder and is returned.
func (e *Endpoint) Send(ctx context.Context, dst tcpip.Address, proto tcpip.TransportProtocolNumber, pkt *buffer.Packet) error {
	hw := e.link.HWFeatures()
	frag := needsFrag(pkt.Len(), proto, hw)

	nextHop, ok := e.routes.NextHop(dst)
	if !ok {
		pkt.Release()
		return tcpip.ErrUnreachable
	}
	linkDst, err := e.arp.Resolve(ctx, nextHop)
	if err != nil {
		pkt.Release()
		return err
	}

	ident := uint16(atomic.AddUint32(&e.nextID, 1))
	if !frag {
		return e.sendPacket(ctx, pkt, linkDst, dst, proto, ident, 0, false, hw)
	}

	maxPayload := (int(hw.MTU) - header.IPv4MinimumSize) &^ (header.IPv4FragmentUnit - 1)
	total := pkt.Len()
	for offset := 0; offset < total; {
		size := maxPayload
		if total-offset <= maxPayload {
			size = total - offset
		}
		sub := pkt.Share(offset, size)
		more := offset+size < total
		if err := e.sendPacket(ctx, sub, linkDst, dst, proto, ident, offset, more, hw); err != nil {
			e.stats.TxFragFail.Increment()
			pkt.Release()
			return err
		}
		offset += size
	}
	pkt.Release()
	return nil
}

// sendPacket prepends an IP header carrying the given fragment fields
// and hands the frame to the link layer.
func (e *Endpoint) sendPacket(ctx context.Context, pkt *buffer.Packet, linkDst tcpip.LinkAddress, dst tcpip.Address, proto tcpip.TransportProtocolNumber, ident uint16, offset int, more bool, hw stack.HWFeatures) error {
	h := header.IPv4(pkt.PrependHeader(header.IPv4MinimumSize))
	var flags uint8
	if more {
		flags = header.IPv4FlagMoreFragments
	}
	h.Encode(&header.IPv4Fields{
		IHL:            header.IPv4MinimumSize,
		TotalLength:    uint16(pkt.Len()),
		ID:             ident,
		Flags:          flags,
		FragmentOffset: uint16(offset),
		TTL:            header.IPv4DefaultTTL,
		Protocol:       uint8(proto),
		SrcAddr:        e.hostAddr,
		DstAddr:        dst,
	})
	if hw.TxChecksumIPOffload {
		oi := pkt.OffloadInfo()
		oi.NeedsIPChecksum = true
		oi.Protocol = uint8(proto)
		oi.IPHdrLen = header.IPv4MinimumSize
		pkt.SetOffloadInfo(oi)
	} else {
		h.SetChecksum(^h.CalculateChecksum())
	}

	if err := e.link.Send(ctx, linkDst, header.IPv4ProtocolNumber, pkt); err != nil {
		log.Debugf("ipv4: send to %v via %v failed: %v", dst, linkDst, err)
		pkt.Release()
		return err
	}
	return nil
}

func (e *Endpoint) drop(pkt *buffer.Packet, counter *tcpip.StatCounter) {
	counter.Increment()
	pkt.Release()
}
