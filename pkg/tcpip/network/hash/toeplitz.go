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

package hash

import (
	"encoding/binary"

	"github.com/bjoto/seastar/pkg/tcpip"
)

// RSSKeySize is the length of an RSS hash key.
const RSSKeySize = 40

// DefaultRSSKey is the Mellanox Linux driver key, in network byte order.
// Using a fixed key keeps flow placement identical to what the NIC's
// receive-side scaling computes in hardware.
var DefaultRSSKey = [RSSKeySize]byte{
	0xd1, 0x81, 0xc6, 0x2c, 0xf7, 0xf4, 0xdb, 0x5b,
	0x19, 0x83, 0xa2, 0xfc, 0x94, 0x3e, 0x1a, 0xdb,
	0xd9, 0x38, 0x9e, 0x6b, 0xd1, 0x03, 0x9c, 0x2c,
	0xa7, 0x44, 0x99, 0xad, 0x59, 0x3d, 0x56, 0xd9,
	0xf3, 0x25, 0x3c, 0x06, 0x2a, 0xdc, 0x1f, 0xfc,
}

// Toeplitz computes the Toeplitz hash of data under key.
func Toeplitz(key []byte, data []byte) uint32 {
	var hash uint32
	v := binary.BigEndian.Uint32(key)
	for i := 0; i < len(data); i++ {
		for b := 0; b < 8; b++ {
			if data[i]&(1<<(7-b)) != 0 {
				hash ^= v
			}
			v <<= 1
			if i+4 < len(key) && key[i+4]&(1<<(7-b)) != 0 {
				v |= 1
			}
		}
	}
	return hash
}

// IPv4FlowHash computes the RSS flow hash over the 4-tuple, the value
// hardware computes for an unfragmented IPv4 TCP or UDP packet.
func IPv4FlowHash(src, dst tcpip.Address, srcPort, dstPort uint16) uint32 {
	var data [12]byte
	copy(data[0:4], src)
	copy(data[4:8], dst)
	binary.BigEndian.PutUint16(data[8:], srcPort)
	binary.BigEndian.PutUint16(data[10:], dstPort)
	return Toeplitz(DefaultRSSKey[:], data[:])
}
