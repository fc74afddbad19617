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

// Package checksum provides the 16-bit one's-complement Internet
// checksum (RFC 1071) over contiguous and scattered buffers.
package checksum

import (
	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
)

func calculateChecksum(buf []byte, odd bool, initial uint32) (uint16, bool) {
	v := initial

	if odd && len(buf) > 0 {
		v += uint32(buf[0])
		buf = buf[1:]
	}

	l := len(buf)
	odd = l&1 != 0
	if odd {
		l--
		v += uint32(buf[l]) << 8
	}

	for i := 0; i < l; i += 2 {
		v += (uint32(buf[i]) << 8) + uint32(buf[i+1])
	}

	return Combine(uint16(v), uint16(v>>16)), odd
}

// Checksum calculates the checksum (as defined in RFC 1071) of the bytes
// in the given byte array. An odd-length buffer is zero-padded on the
// right before summing.
//
// The initial checksum must have been computed on an even number of
// bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	s, _ := calculateChecksum(buf, false, uint32(initial))
	return s
}

// Combine combines the two uint16 to form their checksum. This is done
// by adding them and the carry.
//
// Note that checksum a must have been computed on an even number of
// bytes.
func Combine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// Checksumer calculates a checksum over spans fed incrementally. Odd
// length spans are handled by carrying the trailing byte into the next
// span, so the result is independent of how the input is split.
type Checksumer struct {
	sum uint16
	odd bool
}

// Add adds b to the checksum.
func (c *Checksumer) Add(b []byte) {
	if len(b) > 0 {
		c.sum, c.odd = calculateChecksum(b, c.odd, uint32(c.sum))
	}
}

// Checksum returns the final checksum.
func (c *Checksumer) Checksum() uint16 {
	return c.sum
}

// PacketChecksum calculates the checksum over the packet's payload
// starting at offset.
func PacketChecksum(p *buffer.Packet, offset int, initial uint16) uint16 {
	var c Checksumer
	c.Add([]byte{byte(initial >> 8), byte(initial)})
	for i := 0; i < p.NrFrags(); i++ {
		f := p.Frag(i)
		if offset >= len(f) {
			offset -= len(f)
			continue
		}
		c.Add(f[offset:])
		offset = 0
	}
	return c.Checksum()
}

// PseudoHeaderChecksum calculates the pseudo-header checksum for the
// given destination protocol and network addresses, used by transport
// layers when calculating their own checksum.
func PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, srcAddr, dstAddr tcpip.Address, totalLen uint16) uint16 {
	xsum := Checksum([]byte(srcAddr), 0)
	xsum = Checksum([]byte(dstAddr), xsum)
	xsum = Checksum([]byte{0, uint8(protocol)}, xsum)
	return Checksum([]byte{byte(totalLen >> 8), byte(totalLen)}, xsum)
}
