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

// Package stack defines the interfaces between the IPv4 engine and its
// collaborators: the link layer below it and the transport protocols
// above it.
package stack

import (
	"context"

	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
	"github.com/bjoto/seastar/pkg/tcpip/header"
)

// ShardID identifies one CPU-bound scheduler.
type ShardID int

// HWFeatures describes what the hardware below the link layer offloads.
type HWFeatures struct {
	// MTU is the link maximum transmission unit in bytes.
	MTU uint32

	// RxChecksumOffload is set when receive checksums are verified in
	// hardware.
	RxChecksumOffload bool

	// TxChecksumIPOffload is set when the hardware fills in the IP
	// header checksum on transmit.
	TxChecksumIPOffload bool

	// TxChecksumL4Offload is set when the hardware fills in TCP/UDP
	// checksums on transmit.
	TxChecksumL4Offload bool

	// TSO is set when the hardware segments large TCP frames.
	TSO bool

	// UFO is set when the hardware fragments large UDP frames.
	UFO bool
}

// NetworkDispatcher is the ingress handler an engine registers with the
// link layer.
type NetworkDispatcher interface {
	// DeliverNetworkPacket is called for each received L3 payload, with
	// the link address of the sender. The packet starts at the network
	// header.
	DeliverNetworkPacket(pkt *buffer.Packet, from tcpip.LinkAddress)
}

// LinkEndpoint is the interface implemented by the link-layer driver
// plumbing the engine consumes.
type LinkEndpoint interface {
	// HWFeatures returns the hardware offload capabilities.
	HWFeatures() HWFeatures

	// HWAddress returns the local link address.
	HWAddress() tcpip.LinkAddress

	// Receive registers the ingress handler and the function used to
	// decide which shard handles each frame. l3Off is the offset of the
	// network header within the frame passed to shardOf.
	Receive(dispatcher NetworkDispatcher, shardOf func(pkt *buffer.Packet, l3Off int) ShardID)

	// Send transmits a frame to the given link address. The packet
	// carries the network header and payload; the link layer prepends
	// its own framing.
	Send(ctx context.Context, dst tcpip.LinkAddress, proto tcpip.NetworkProtocolNumber, pkt *buffer.Packet) error

	// ShardForward hands a fully formed L2 frame to another shard for
	// re-ingress. Ownership of the packet transfers with the call.
	ShardForward(shard ShardID, pkt *buffer.Packet)
}

// TransportProtocol is the capability set an upper protocol registers
// with the engine.
type TransportProtocol interface {
	// Received is called with the IP payload on the shard chosen by
	// Forward.
	Received(pkt *buffer.Packet, src, dst tcpip.Address)

	// Forward computes the shard owning the packet's flow. l4Off is the
	// offset of the transport header within pkt.
	Forward(pkt *buffer.Packet, l4Off int, src, dst tcpip.Address) ShardID
}

// PacketFilter inspects ingress datagrams before local delivery. A
// filter that returns true owns the disposition of the packet fully.
type PacketFilter interface {
	Handle(pkt *buffer.Packet, h header.IPv4, from tcpip.LinkAddress) bool
}
