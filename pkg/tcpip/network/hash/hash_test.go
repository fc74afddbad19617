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
	"testing"

	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/header"
)

func fragHeader(src, dst tcpip.Address, id uint16, proto uint8, offset uint16, more bool) header.IPv4 {
	b := make([]byte, header.IPv4MinimumSize)
	h := header.IPv4(b)
	var flags uint8
	if more {
		flags = header.IPv4FlagMoreFragments
	}
	h.Encode(&header.IPv4Fields{
		IHL:            header.IPv4MinimumSize,
		TotalLength:    1500,
		ID:             id,
		Flags:          flags,
		FragmentOffset: offset,
		TTL:            64,
		Protocol:       proto,
		SrcAddr:        src,
		DstAddr:        dst,
	})
	return h
}

func TestFragmentHashIgnoresOffsetAndFlags(t *testing.T) {
	src, _ := tcpip.ParseIPv4("1.2.3.4")
	dst, _ := tcpip.ParseIPv4("5.6.7.8")

	first := IPv4FragmentHash(fragHeader(src, dst, 99, 17, 0, true))
	for _, offset := range []uint16{0, 1480, 2960, 8000} {
		for _, more := range []bool{true, false} {
			if got := IPv4FragmentHash(fragHeader(src, dst, 99, 17, offset, more)); got != first {
				t.Errorf("fragment (offset=%d, more=%t) hashed to %#x, want %#x", offset, more, got, first)
			}
		}
	}
}

func TestFragmentHashSeparatesDatagrams(t *testing.T) {
	src, _ := tcpip.ParseIPv4("1.2.3.4")
	dst, _ := tcpip.ParseIPv4("5.6.7.8")

	base := IPv4FragmentHash(fragHeader(src, dst, 99, 17, 0, true))
	distinct := 0
	for id := uint16(0); id < 64; id++ {
		if IPv4FragmentHash(fragHeader(src, dst, 100+id, 17, 0, true)) != base {
			distinct++
		}
	}
	if distinct < 60 {
		t.Errorf("only %d of 64 other ids hashed differently", distinct)
	}
}

func TestToeplitzDeterministic(t *testing.T) {
	src, _ := tcpip.ParseIPv4("1.2.3.4")
	dst, _ := tcpip.ParseIPv4("5.6.7.8")

	a := IPv4FlowHash(src, dst, 1000, 80)
	for i := 0; i < 16; i++ {
		if got := IPv4FlowHash(src, dst, 1000, 80); got != a {
			t.Fatalf("flow hash changed between calls: %#x then %#x", a, got)
		}
	}
	if got := IPv4FlowHash(src, dst, 1001, 80); got == a {
		t.Errorf("different source port produced the same hash %#x", a)
	}
}

func TestToeplitzZeroData(t *testing.T) {
	if got := Toeplitz(DefaultRSSKey[:], make([]byte, 12)); got != 0 {
		t.Errorf("Toeplitz over all-zero data = %#x, want 0", got)
	}
}
