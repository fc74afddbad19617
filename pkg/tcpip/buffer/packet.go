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

package buffer

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"
)

// OffloadInfo carries per-packet hints telling the link layer or
// receivers which checksums and segmentations are already handled.
type OffloadInfo struct {
	// NeedsIPChecksum is set on egress when the IP header checksum field
	// was left zero for the hardware to fill in.
	NeedsIPChecksum bool

	// Reassembled is set on a datagram rebuilt from fragments. Receivers
	// must skip reassembly and header checksum verification for it.
	Reassembled bool

	// Protocol is the L4 protocol of the packet.
	Protocol uint8

	// IPHdrLen is the length of the IP header, when known.
	IPHdrLen uint8

	// VlanTCI is the 802.1Q tag control information, zero when untagged.
	VlanTCI uint16
}

// deleter is one link of a packet's cleanup chain. The free function
// runs exactly once, when the last packet referencing it drops.
type deleter struct {
	refs int64
	free func()
}

func newDeleter(free func()) *deleter {
	return &deleter{refs: 1, free: free}
}

func (d *deleter) ref() {
	atomic.AddInt64(&d.refs, 1)
}

func (d *deleter) unref() {
	if atomic.AddInt64(&d.refs, -1) == 0 && d.free != nil {
		d.free()
	}
}

// Packet is an ordered sequence of fragments over possibly shared
// storage. Slicing with Share does not copy payload bytes; the deleter
// chain keeps the backing storage alive until the last reference drops.
type Packet struct {
	frags   []View
	size    int
	dels    []*deleter
	offload OffloadInfo
}

// New creates a packet owning the given fragments. The fragment storage
// is assumed to be garbage collected; no deleter is attached.
func New(frags ...View) *Packet {
	p := &Packet{}
	for _, f := range frags {
		if len(f) == 0 {
			continue
		}
		p.frags = append(p.frags, f)
		p.size += len(f)
	}
	return p
}

// NewWithFree creates a packet owning the given fragments whose backing
// storage needs explicit cleanup. free runs once, when the last packet
// sharing the storage is released.
func NewWithFree(free func(), frags ...View) *Packet {
	p := New(frags...)
	p.dels = append(p.dels, newDeleter(free))
	return p
}

// Len returns the total number of payload bytes.
func (p *Packet) Len() int {
	return p.size
}

// NrFrags returns the number of fragments.
func (p *Packet) NrFrags() int {
	return len(p.frags)
}

// Frag returns the i-th fragment.
func (p *Packet) Frag(i int) View {
	return p.frags[i]
}

// Memory returns the number of bytes accounted against reassembly
// memory limits for this packet.
func (p *Packet) Memory() int {
	return p.size
}

// OffloadInfo returns the packet's offload descriptor.
func (p *Packet) OffloadInfo() OffloadInfo {
	return p.offload
}

// SetOffloadInfo replaces the packet's offload descriptor.
func (p *Packet) SetOffloadInfo(oi OffloadInfo) {
	p.offload = oi
}

// GetHeader returns size bytes at offset as a mutable slice aliasing the
// packet, or nil when the requested bytes straddle a fragment boundary.
// Callers may Linearize first and retry.
func (p *Packet) GetHeader(offset, size int) []byte {
	if offset < 0 || size < 0 || offset+size > p.size {
		return nil
	}
	for _, f := range p.frags {
		if offset < len(f) {
			if offset+size > len(f) {
				return nil
			}
			return f[offset : offset+size]
		}
		offset -= len(f)
	}
	return nil
}

// PrependHeader allocates a fresh fragment of the given size at position
// 0 and returns it for the caller to fill in.
func (p *Packet) PrependHeader(size int) []byte {
	v := NewView(size)
	p.frags = append([]View{v}, p.frags...)
	p.size += size
	return v
}

// TrimFront removes the first count bytes.
func (p *Packet) TrimFront(count int) {
	p.size -= count
	for count > 0 && len(p.frags) > 0 {
		f := &p.frags[0]
		if count < len(*f) {
			f.TrimFront(count)
			return
		}
		count -= len(*f)
		p.frags = p.frags[1:]
	}
}

// TrimBack removes the last count bytes.
func (p *Packet) TrimBack(count int) {
	p.size -= count
	for count > 0 && len(p.frags) > 0 {
		f := &p.frags[len(p.frags)-1]
		if count < len(*f) {
			f.CapLength(len(*f) - count)
			return
		}
		count -= len(*f)
		p.frags = p.frags[:len(p.frags)-1]
	}
}

// Share returns a new packet of the given length whose storage aliases
// this packet starting at offset. The new packet holds a reference on
// every deleter of the original, keeping the storage alive.
func (p *Packet) Share(offset, length int) *Packet {
	if offset < 0 {
		offset = 0
	}
	if offset+length > p.size {
		length = p.size - offset
	}
	n := &Packet{offload: p.offload}
	remaining := length
	for _, f := range p.frags {
		if remaining == 0 {
			break
		}
		if offset >= len(f) {
			offset -= len(f)
			continue
		}
		take := len(f) - offset
		if take > remaining {
			take = remaining
		}
		n.frags = append(n.frags, f[offset:offset+take:offset+take])
		n.size += take
		remaining -= take
		offset = 0
	}
	for _, d := range p.dels {
		d.ref()
		n.dels = append(n.dels, d)
	}
	return n
}

// Append moves the fragments of o onto the tail of p and merges the
// deleter chains. o is consumed and must not be used afterwards.
func (p *Packet) Append(o *Packet) {
	p.frags = append(p.frags, o.frags...)
	p.size += o.size
	p.dels = append(p.dels, o.dels...)
	o.frags = nil
	o.dels = nil
	o.size = 0
}

// Linearize replaces the run of fragments covering [offset, offset+size)
// with a single freshly allocated fragment holding their concatenation,
// so a following GetHeader over that range succeeds. The displaced
// storage is freed when the packet drops.
func (p *Packet) Linearize(offset, size int) bool {
	if offset < 0 || size < 0 || offset+size > p.size {
		return false
	}
	first := 0
	for first < len(p.frags) && offset >= len(p.frags[first]) {
		offset -= len(p.frags[first])
		first++
	}
	need := offset + size
	last := first
	accum := 0
	for last < len(p.frags) && accum < need {
		accum += len(p.frags[last])
		last++
	}
	if accum < need {
		return false
	}
	merged := NewView(accum)
	at := 0
	for i := first; i < last; i++ {
		at += copy(merged[at:], p.frags[i])
	}
	frags := append([]View{}, p.frags[:first]...)
	frags = append(frags, merged)
	p.frags = append(frags, p.frags[last:]...)
	return true
}

// Release drops this packet's references on its deleter chain. The
// cleanup of any storage whose last reference this was runs now.
// Release is idempotent.
func (p *Packet) Release() {
	dels := p.dels
	p.dels = nil
	p.frags = nil
	p.size = 0
	for _, d := range dels {
		d.unref()
	}
}

// ReleaseOn rewraps the deleter chain so that the cleanup runs through
// submit instead of on the releasing goroutine. Used when a packet is
// handed to a peer shard: the free still runs on the originating shard.
func (p *Packet) ReleaseOn(submit func(func())) {
	dels := p.dels
	if len(dels) == 0 {
		return
	}
	p.dels = []*deleter{newDeleter(func() {
		submit(func() {
			for _, d := range dels {
				d.unref()
			}
		})
	})}
}

// Bytes returns a copy of the packet's payload as one contiguous slice.
func (p *Packet) Bytes() []byte {
	b := make([]byte, 0, p.size)
	for _, f := range p.frags {
		b = append(b, f...)
	}
	return b
}

// String implements fmt.Stringer.String.
func (p *Packet) String() string {
	var sb strings.Builder
	sb.WriteString("packet{")
	for i, f := range p.frags {
		if i > 0 {
			sb.WriteString(", ")
		}
		printable := true
		for _, c := range f {
			if c >= 0x80 || (!unicode.IsPrint(rune(c)) && !unicode.IsSpace(rune(c))) {
				printable = false
				break
			}
		}
		if printable {
			fmt.Fprintf(&sb, "%q", string(f))
		} else {
			fmt.Fprintf(&sb, "{% x}", []byte(f))
		}
	}
	sb.WriteString("}")
	return sb.String()
}
