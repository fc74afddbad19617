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

package ipv4_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
	"github.com/bjoto/seastar/pkg/tcpip/checksum"
	"github.com/bjoto/seastar/pkg/tcpip/header"
	"github.com/bjoto/seastar/pkg/tcpip/network/arp"
	"github.com/bjoto/seastar/pkg/tcpip/network/hash"
	"github.com/bjoto/seastar/pkg/tcpip/network/ipv4"
	"github.com/bjoto/seastar/pkg/tcpip/stack"
)

var (
	localMAC  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	peerMAC   = tcpip.LinkAddress("\x02\x00\x00\x00\x00\xaa")
	hostAddr  = tcpip.Address("\xc0\xa8\x01\x02") // 192.168.1.2
	peerAddr  = tcpip.Address("\xc0\xa8\x01\x01") // 192.168.1.1
	gwAddr    = tcpip.Address("\xc0\xa8\x01\xfe") // 192.168.1.254
	otherAddr = tcpip.Address("\x08\x08\x08\x08") // 8.8.8.8
	netmask   = tcpip.AddressMask("\xff\xff\xff\x00")
)

type sentFrame struct {
	dst   tcpip.LinkAddress
	proto tcpip.NetworkProtocolNumber
	data  []byte
	oi    buffer.OffloadInfo
}

type forwardedFrame struct {
	shard stack.ShardID
	pkt   *buffer.Packet
}

type testLink struct {
	hw stack.HWFeatures

	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	shardOf    func(*buffer.Packet, int) stack.ShardID
	sent       []sentFrame
	forwarded  []forwardedFrame
	sendErrs   []error
}

func newTestLink(hw stack.HWFeatures) *testLink {
	return &testLink{hw: hw}
}

func (l *testLink) HWFeatures() stack.HWFeatures { return l.hw }
func (l *testLink) HWAddress() tcpip.LinkAddress { return localMAC }

func (l *testLink) Receive(d stack.NetworkDispatcher, shardOf func(*buffer.Packet, int) stack.ShardID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dispatcher = d
	l.shardOf = shardOf
}

func (l *testLink) Send(_ context.Context, dst tcpip.LinkAddress, proto tcpip.NetworkProtocolNumber, pkt *buffer.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	l.sent = append(l.sent, sentFrame{dst: dst, proto: proto, data: pkt.Bytes(), oi: pkt.OffloadInfo()})
	return nil
}

func (l *testLink) ShardForward(shard stack.ShardID, pkt *buffer.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forwarded = append(l.forwarded, forwardedFrame{shard: shard, pkt: pkt})
}

func (l *testLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *testLink) frames() []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentFrame{}, l.sent...)
}

type received struct {
	data []byte
	src  tcpip.Address
	dst  tcpip.Address
}

type testTransport struct {
	mu      sync.Mutex
	rx      []received
	forward func(pkt *buffer.Packet, l4Off int, src, dst tcpip.Address) stack.ShardID
}

func (tt *testTransport) Received(pkt *buffer.Packet, src, dst tcpip.Address) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.rx = append(tt.rx, received{data: pkt.Bytes(), src: src, dst: dst})
	pkt.Release()
}

func (tt *testTransport) Forward(pkt *buffer.Packet, l4Off int, src, dst tcpip.Address) stack.ShardID {
	if tt.forward != nil {
		return tt.forward(pkt, l4Off, src, dst)
	}
	return 0
}

func (tt *testTransport) rxCount() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.rx)
}

func (tt *testTransport) packets() []received {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]received{}, tt.rx...)
}

type testContext struct {
	link *testLink
	arp  *arp.Resolver
	ep   *ipv4.Endpoint
}

func newTestContext(t *testing.T, shard stack.ShardID, numShards int, hw stack.HWFeatures) *testContext {
	t.Helper()
	link := newTestLink(hw)
	resolver := arp.NewResolver(arp.Options{
		Link:           link,
		RequestTimeout: 10 * time.Millisecond,
		MaxRetries:     1,
	})
	ep, err := ipv4.NewEndpoint(ipv4.Options{
		Shard:       shard,
		NumShards:   numShards,
		HostAddress: hostAddr,
		Netmask:     netmask,
		Gateway:     gwAddr,
		Link:        link,
		ARP:         resolver,
	})
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	return &testContext{link: link, arp: resolver, ep: ep}
}

// buildIPv4 builds a wire-correct IPv4 packet carrying payload.
func buildIPv4(src, dst tcpip.Address, proto tcpip.TransportProtocolNumber, id uint16, offset int, more bool, payload []byte) *buffer.Packet {
	v := buffer.NewView(header.IPv4MinimumSize + len(payload))
	h := header.IPv4(v)
	var flags uint8
	if more {
		flags = header.IPv4FlagMoreFragments
	}
	h.Encode(&header.IPv4Fields{
		IHL:            header.IPv4MinimumSize,
		TotalLength:    uint16(header.IPv4MinimumSize + len(payload)),
		ID:             id,
		Flags:          flags,
		FragmentOffset: uint16(offset),
		TTL:            64,
		Protocol:       uint8(proto),
		SrcAddr:        src,
		DstAddr:        dst,
	})
	h.SetChecksum(^h.CalculateChecksum())
	copy(v[header.IPv4MinimumSize:], payload)
	return buffer.New(v)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAtomicDelivery(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	udp := &testTransport{}
	c.ep.RegisterTransport(header.UDPProtocolNumber, udp)

	payload := []byte("hello over udp")
	c.link.dispatcher.DeliverNetworkPacket(buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 1, 0, false, payload), peerMAC)

	pkts := udp.packets()
	if len(pkts) != 1 {
		t.Fatalf("transport received %d packets, want 1", len(pkts))
	}
	if diff := cmp.Diff(payload, pkts[0].data); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if pkts[0].src != peerAddr || pkts[0].dst != hostAddr {
		t.Errorf("addresses = (%v, %v), want (%v, %v)", pkts[0].src, pkts[0].dst, peerAddr, hostAddr)
	}

	// The sender's mapping was learned on the way in.
	got, err := c.arp.Resolve(context.Background(), peerAddr)
	if err != nil {
		t.Fatalf("Resolve(%v) failed: %v", peerAddr, err)
	}
	if got != peerMAC {
		t.Errorf("learned link address = %v, want %v", got, peerMAC)
	}
}

func TestBadChecksumDrop(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	udp := &testTransport{}
	c.ep.RegisterTransport(header.UDPProtocolNumber, udp)

	pkt := buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 1, 0, false, []byte("payload"))
	// Corrupt the header by one bit without fixing the checksum.
	pkt.GetHeader(0, header.IPv4MinimumSize)[8] ^= 0x01
	c.link.dispatcher.DeliverNetworkPacket(pkt, peerMAC)

	if got := c.ep.Stats().RxBadChecksum.Value(); got != 1 {
		t.Errorf("RxBadChecksum = %d, want 1", got)
	}
	if udp.rxCount() != 0 {
		t.Errorf("transport invoked for a corrupted packet")
	}
}

func TestNotForUsDrop(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	udp := &testTransport{}
	c.ep.RegisterTransport(header.UDPProtocolNumber, udp)

	c.link.dispatcher.DeliverNetworkPacket(buildIPv4(peerAddr, otherAddr, header.UDPProtocolNumber, 1, 0, false, []byte("x")), peerMAC)

	if got := c.ep.Stats().RxNotForUs.Value(); got != 1 {
		t.Errorf("RxNotForUs = %d, want 1", got)
	}
	if udp.rxCount() != 0 {
		t.Errorf("transport invoked for a packet addressed elsewhere")
	}
}

func TestLengthNormalization(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	udp := &testTransport{}
	c.ep.RegisterTransport(header.UDPProtocolNumber, udp)

	// On-wire bytes beyond the stated total length are trimmed.
	padded := buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 1, 0, false, []byte("data"))
	padded.Append(buffer.New(buffer.NewView(6))) // link-layer padding
	c.link.dispatcher.DeliverNetworkPacket(padded, peerMAC)

	pkts := udp.packets()
	if len(pkts) != 1 {
		t.Fatalf("transport received %d packets, want 1", len(pkts))
	}
	if diff := cmp.Diff([]byte("data"), pkts[0].data); diff != "" {
		t.Errorf("trimmed payload mismatch (-want +got):\n%s", diff)
	}

	// A packet shorter than its stated total length is dropped.
	short := buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 2, 0, false, []byte("data"))
	short.TrimBack(2)
	c.link.dispatcher.DeliverNetworkPacket(short, peerMAC)

	if got := c.ep.Stats().RxMalformed.Value(); got != 1 {
		t.Errorf("RxMalformed = %d, want 1", got)
	}
	if udp.rxCount() != 1 {
		t.Errorf("short packet was delivered")
	}
}

func TestOversizeDrop(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})

	// A tail fragment whose end would exceed the maximum IP length.
	pkt := buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 1, 65528, false, make([]byte, 100))
	c.link.dispatcher.DeliverNetworkPacket(pkt, peerMAC)

	if got := c.ep.Stats().RxOversize.Value(); got != 1 {
		t.Errorf("RxOversize = %d, want 1", got)
	}
}

func TestUnknownProtocolDrop(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	c.link.dispatcher.DeliverNetworkPacket(buildIPv4(peerAddr, hostAddr, 99, 1, 0, false, []byte("x")), peerMAC)
	// Nothing to observe beyond not crashing and not replying.
	if got := c.link.sentCount(); got != 0 {
		t.Errorf("%d frames sent in response to an unknown protocol", got)
	}
}

// buildEchoRequest returns a full ICMP echo request message.
func buildEchoRequest(ident, seq uint16, data []byte) []byte {
	msg := make([]byte, header.ICMPv4MinimumSize+len(data))
	h := header.ICMPv4(msg)
	h.SetType(header.ICMPv4Echo)
	h.SetIdent(ident)
	h.SetSequence(seq)
	copy(msg[header.ICMPv4MinimumSize:], data)
	h.SetChecksum(^checksum.Checksum(msg, 0))
	return msg
}

// reassembleSent reconstructs the IP payload carried by the sent
// frames, ordered by fragment offset, and reports the set of (offset,
// more, id) fields seen.
type sentFragment struct {
	offset int
	more   bool
	id     uint16
	total  int
}

func reassembleSent(t *testing.T, frames []sentFrame) ([]byte, []sentFragment) {
	t.Helper()
	var frags []sentFragment
	parts := map[int][]byte{}
	for _, f := range frames {
		h := header.IPv4(f.data)
		if !h.IsValid(len(f.data)) {
			t.Fatalf("sent frame carries an invalid IP header")
		}
		if got := h.CalculateChecksum(); got != 0xffff {
			t.Fatalf("sent frame checksum does not verify: %#x", got)
		}
		off := int(h.FragmentOffset())
		frags = append(frags, sentFragment{
			offset: off,
			more:   h.More(),
			id:     h.ID(),
			total:  int(h.TotalLength()),
		})
		parts[off] = f.data[h.HeaderLength():]
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].offset < frags[j].offset })
	var payload []byte
	for _, fr := range frags {
		payload = append(payload, parts[fr.offset]...)
	}
	return payload, frags
}

func TestFragmentedEchoReversed(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})

	data := make([]byte, 2392)
	for i := range data {
		data[i] = byte(i)
	}
	msg := buildEchoRequest(0x0102, 0x0304, data) // 2400 bytes

	frag1 := buildIPv4(peerAddr, hostAddr, header.ICMPv4ProtocolNumber, 7, 0, true, msg[:1480])
	frag2 := buildIPv4(peerAddr, hostAddr, header.ICMPv4ProtocolNumber, 7, 1480, false, msg[1480:])

	// Reverse arrival order.
	c.link.dispatcher.DeliverNetworkPacket(frag2, peerMAC)
	c.link.dispatcher.DeliverNetworkPacket(frag1, peerMAC)

	// The 2420-byte reply does not fit the MTU, so it leaves as two
	// fragments.
	waitFor(t, "echo reply fragments", func() bool { return c.link.sentCount() == 2 })

	frames := c.link.frames()
	for _, f := range frames {
		if f.dst != peerMAC {
			t.Errorf("reply frame sent to %v, want %v", f.dst, peerMAC)
		}
	}
	payload, frags := reassembleSent(t, frames)

	if frags[0].id != frags[1].id {
		t.Errorf("reply fragments carry different ids: %d and %d", frags[0].id, frags[1].id)
	}
	wantFrags := []sentFragment{
		{offset: 0, more: true, id: frags[0].id, total: 1500},
		{offset: 1480, more: false, id: frags[0].id, total: 940},
	}
	if diff := cmp.Diff(wantFrags, frags, cmp.AllowUnexported(sentFragment{})); diff != "" {
		t.Errorf("fragment fields mismatch (-want +got):\n%s", diff)
	}

	reply := header.ICMPv4(payload)
	if got := reply.Type(); got != header.ICMPv4EchoReply {
		t.Errorf("reply type = %d, want echo reply", got)
	}
	if got := reply.Ident(); got != 0x0102 {
		t.Errorf("reply ident = %#x, want 0x0102", got)
	}
	if got := reply.Sequence(); got != 0x0304 {
		t.Errorf("reply sequence = %#x, want 0x0304", got)
	}
	if got := checksum.Checksum(payload, 0); got != 0xffff {
		t.Errorf("reply checksum does not verify: %#x", got)
	}
	if diff := cmp.Diff(data, payload[header.ICMPv4MinimumSize:]); diff != "" {
		t.Errorf("echoed payload mismatch (-want +got):\n%s", diff)
	}

	ih := header.IPv4(frames[0].data)
	if got := ih.DestinationAddress(); got != peerAddr {
		t.Errorf("reply addressed to %v, want %v", got, peerAddr)
	}
	if got := ih.SourceAddress(); got != hostAddr {
		t.Errorf("reply sourced from %v, want %v", got, hostAddr)
	}
}

func TestOutboundFragmentation(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	c.arp.Learn(peerMAC, peerAddr)

	datagram := make([]byte, 4000)
	for i := range datagram {
		datagram[i] = byte(i * 7)
	}
	if err := c.ep.Send(context.Background(), peerAddr, header.UDPProtocolNumber, buffer.New(buffer.NewViewFromBytes(datagram))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frames := c.link.frames()
	if len(frames) != 3 {
		t.Fatalf("sent %d frames, want 3", len(frames))
	}
	payload, frags := reassembleSent(t, frames)
	id := frags[0].id
	wantFrags := []sentFragment{
		{offset: 0, more: true, id: id, total: 1500},
		{offset: 1480, more: true, id: id, total: 1500},
		{offset: 2960, more: false, id: id, total: 1060},
	}
	if diff := cmp.Diff(wantFrags, frags, cmp.AllowUnexported(sentFragment{})); diff != "" {
		t.Errorf("fragment fields mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(datagram, payload); diff != "" {
		t.Errorf("concatenated payloads differ from the datagram (-want +got):\n%s", diff)
	}
	for _, fr := range frags {
		if fr.offset%header.IPv4FragmentUnit != 0 {
			t.Errorf("fragment offset %d is not a multiple of 8", fr.offset)
		}
	}
}

func TestSegmentationOffloadSkipsFragmentation(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500, UFO: true})
	c.arp.Learn(peerMAC, peerAddr)

	if err := c.ep.Send(context.Background(), peerAddr, header.UDPProtocolNumber, buffer.New(buffer.NewView(4000))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := c.link.sentCount(); got != 1 {
		t.Fatalf("sent %d frames with UFO available, want 1", got)
	}
	h := header.IPv4(c.link.frames()[0].data)
	if h.More() || h.FragmentOffset() != 0 {
		t.Errorf("offloaded datagram has fragment fields set")
	}
}

func TestGatewayRouting(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	gwMAC := tcpip.LinkAddress("\x02\x00\x00\x00\x00\xfe")
	c.arp.Learn(gwMAC, gwAddr)

	if err := c.ep.Send(context.Background(), otherAddr, header.UDPProtocolNumber, buffer.New(buffer.NewViewFromBytes([]byte("x")))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	frames := c.link.frames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if frames[0].dst != gwMAC {
		t.Errorf("off-subnet frame sent to %v, want the gateway %v", frames[0].dst, gwMAC)
	}
	if got := header.IPv4(frames[0].data).DestinationAddress(); got != otherAddr {
		t.Errorf("IP destination = %v, want %v", got, otherAddr)
	}
}

func TestSendUnreachable(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})

	err := c.ep.Send(context.Background(), peerAddr, header.UDPProtocolNumber, buffer.New(buffer.NewView(10)))
	if err != tcpip.ErrUnreachable {
		t.Fatalf("Send = %v, want %v", err, tcpip.ErrUnreachable)
	}
}

func TestLinkErrorAbandonsFragments(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	c.arp.Learn(peerMAC, peerAddr)
	c.link.sendErrs = []error{nil, tcpip.ErrLinkError}

	err := c.ep.Send(context.Background(), peerAddr, header.UDPProtocolNumber, buffer.New(buffer.NewView(4000)))
	if err != tcpip.ErrLinkError {
		t.Fatalf("Send = %v, want %v", err, tcpip.ErrLinkError)
	}
	if got := c.link.sentCount(); got != 1 {
		t.Errorf("sent %d frames after the failure, want 1 (remainder abandoned)", got)
	}
	if got := c.ep.Stats().TxFragFail.Value(); got != 1 {
		t.Errorf("TxFragFail = %d, want 1", got)
	}
}

func TestShardSteeringDeterministic(t *testing.T) {
	c := newTestContext(t, 0, 2, stack.HWFeatures{MTU: 1500})
	tcp := &testTransport{
		forward: func(pkt *buffer.Packet, l4Off int, src, dst tcpip.Address) stack.ShardID {
			hb := pkt.GetHeader(l4Off, header.TCPMinimumSize)
			th := header.TCP(hb)
			return stack.ShardID(hash.IPv4FlowHash(src, dst, th.SourcePort(), th.DestinationPort()) % 2)
		},
	}
	c.ep.RegisterTransport(header.TCPProtocolNumber, tcp)

	src := tcpip.Address("\x01\x02\x03\x04")
	seg := make([]byte, header.TCPMinimumSize)
	th := header.TCP(seg)
	th.SetSourcePort(1000)
	th.SetDestinationPort(80)
	seg[13] = header.TCPFlagSyn

	want := hash.IPv4FlowHash(src, hostAddr, 1000, 80) % 2
	for i := 0; i < 8; i++ {
		pkt := buildIPv4(src, hostAddr, header.TCPProtocolNumber, uint16(i), 0, false, seg)
		got := c.link.shardOf(pkt, 0)
		if got != stack.ShardID(want) {
			t.Fatalf("shardOf = %d on attempt %d, want %d every time", got, i, want)
		}
	}
}

func TestFragmentsSteerTogether(t *testing.T) {
	c := newTestContext(t, 0, 2, stack.HWFeatures{MTU: 1500})
	c.ep.RegisterTransport(header.UDPProtocolNumber, &testTransport{})

	first := c.link.shardOf(buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 42, 0, true, make([]byte, 64)), 0)
	if first < 0 || first > 1 {
		t.Fatalf("shardOf = %d, want a shard in [0, 2)", first)
	}
	for _, tc := range []struct {
		offset int
		more   bool
	}{
		{1480, true},
		{2960, false},
	} {
		got := c.link.shardOf(buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 42, tc.offset, tc.more, make([]byte, 64)), 0)
		if got != first {
			t.Errorf("fragment at offset %d steered to shard %d, want %d", tc.offset, got, first)
		}
	}
}

func TestReassembledForwardedToPeerShard(t *testing.T) {
	c := newTestContext(t, 0, 2, stack.HWFeatures{MTU: 1500})
	udp := &testTransport{
		forward: func(*buffer.Packet, int, tcpip.Address, tcpip.Address) stack.ShardID { return 1 },
	}
	c.ep.RegisterTransport(header.UDPProtocolNumber, udp)

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	c.link.dispatcher.DeliverNetworkPacket(buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 9, 0, true, payload[:1480]), peerMAC)
	c.link.dispatcher.DeliverNetworkPacket(buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 9, 1480, false, payload[1480:]), peerMAC)

	if udp.rxCount() != 0 {
		t.Fatalf("datagram owned by shard 1 was delivered on shard 0")
	}
	c.link.mu.Lock()
	forwarded := append([]forwardedFrame{}, c.link.forwarded...)
	c.link.mu.Unlock()
	if len(forwarded) != 1 {
		t.Fatalf("forwarded %d frames, want 1", len(forwarded))
	}
	if forwarded[0].shard != 1 {
		t.Errorf("forwarded to shard %d, want 1", forwarded[0].shard)
	}

	frame := forwarded[0].pkt
	eth := header.Ethernet(frame.GetHeader(0, header.EthernetMinimumSize))
	if got := eth.DestinationAddress(); got != localMAC {
		t.Errorf("synthesized frame destination = %v, want the local MAC %v", got, localMAC)
	}
	if got := eth.SourceAddress(); got != peerMAC {
		t.Errorf("synthesized frame source = %v, want the sender %v", got, peerMAC)
	}
	if got := eth.Type(); got != header.IPv4ProtocolNumber {
		t.Errorf("synthesized frame type = %#x, want %#x", got, header.IPv4ProtocolNumber)
	}
	if !frame.OffloadInfo().Reassembled {
		t.Errorf("forwarded frame is not marked reassembled")
	}

	// Re-enter the stack on the owning shard, the way the link driver
	// would after shard_forward.
	peer := newTestContext(t, 1, 2, stack.HWFeatures{MTU: 1500})
	udp1 := &testTransport{
		forward: func(*buffer.Packet, int, tcpip.Address, tcpip.Address) stack.ShardID { return 1 },
	}
	peer.ep.RegisterTransport(header.UDPProtocolNumber, udp1)

	frame.TrimFront(header.EthernetMinimumSize)
	peer.link.dispatcher.DeliverNetworkPacket(frame, peerMAC)

	pkts := udp1.packets()
	if len(pkts) != 1 {
		t.Fatalf("peer shard received %d packets, want 1", len(pkts))
	}
	if diff := cmp.Diff(payload, pkts[0].data); diff != "" {
		t.Errorf("re-injected payload mismatch (-want +got):\n%s", diff)
	}
}

type dropFilter struct {
	seen int
}

func (f *dropFilter) Handle(pkt *buffer.Packet, _ header.IPv4, _ tcpip.LinkAddress) bool {
	f.seen++
	pkt.Release()
	return true
}

func TestPacketFilterOwnsDisposition(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500})
	udp := &testTransport{}
	c.ep.RegisterTransport(header.UDPProtocolNumber, udp)
	filter := &dropFilter{}
	c.ep.SetPacketFilter(filter)

	c.link.dispatcher.DeliverNetworkPacket(buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 1, 0, false, []byte("x")), peerMAC)

	if filter.seen != 1 {
		t.Errorf("filter saw %d packets, want 1", filter.seen)
	}
	if udp.rxCount() != 0 {
		t.Errorf("filtered packet still delivered")
	}
}

func TestRxChecksumOffloadSkipsVerification(t *testing.T) {
	c := newTestContext(t, 0, 1, stack.HWFeatures{MTU: 1500, RxChecksumOffload: true})
	udp := &testTransport{}
	c.ep.RegisterTransport(header.UDPProtocolNumber, udp)

	pkt := buildIPv4(peerAddr, hostAddr, header.UDPProtocolNumber, 1, 0, false, []byte("x"))
	pkt.GetHeader(0, header.IPv4MinimumSize)[8] ^= 0x01 // hardware already verified
	c.link.dispatcher.DeliverNetworkPacket(pkt, peerMAC)

	if udp.rxCount() != 1 {
		t.Errorf("packet dropped despite hardware checksum offload")
	}
}
