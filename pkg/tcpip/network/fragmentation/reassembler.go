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

package fragmentation

import (
	"container/list"
	"time"

	"github.com/google/btree"

	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
)

// FragmentID identifies all fragments of a single datagram.
type FragmentID struct {
	// Src is the source address of the fragment.
	Src tcpip.Address

	// Dst is the destination address of the fragment.
	Dst tcpip.Address

	// ID is the identification field of the fragment's IP header.
	ID uint16

	// Proto is the protocol field of the fragment's IP header.
	Proto uint8
}

// span is one contiguous run of payload bytes in the gap map.
type span struct {
	offset int
	pkt    *buffer.Packet
}

func (s span) end() int {
	return s.offset + s.pkt.Len()
}

func spanLess(a, b span) bool {
	return a.offset < b.offset
}

// reassembler holds the state of one partially received datagram: the
// IP header taken from the offset-0 fragment and an ordered gap map
// from byte offset to payload run.
type reassembler struct {
	id               FragmentID
	header           *buffer.Packet
	spans            *btree.BTreeG[span]
	lastFragReceived bool
	memSize          int
	rxTime           time.Time
	ageElem          *list.Element
}

func newReassembler(id FragmentID, now time.Time) *reassembler {
	return &reassembler{
		id:     id,
		spans:  btree.NewG(4, spanLess),
		rxTime: now,
	}
}

// merge records the header view when the offset-0 fragment arrives,
// trims the IP header off the fragment, inserts the payload into the
// gap map, and returns the change in accounted memory.
func (r *reassembler) merge(hdrLen, offset int, pkt *buffer.Packet) int {
	old := r.memSize
	if offset == 0 {
		if r.header != nil {
			r.header.Release()
		}
		r.header = pkt.Share(0, hdrLen)
	}
	pkt.TrimFront(hdrLen)
	r.insert(offset, pkt)

	mem := 0
	if r.header != nil {
		mem += r.header.Memory()
	}
	r.spans.Ascend(func(s span) bool {
		mem += s.pkt.Memory()
		return true
	})
	r.memSize = mem
	return mem - old
}

// insert places pkt at offset in the gap map, coalescing it with any
// adjacent or overlapping runs. Where the new bytes overlap existing
// ones, the existing bytes win, so the map contents do not depend on
// arrival order for non-overlapping fragments.
func (r *reassembler) insert(offset int, pkt *buffer.Packet) {
	if pkt.Len() == 0 {
		pkt.Release()
		return
	}
	start, end := offset, offset+pkt.Len()

	var touching []span
	r.spans.Ascend(func(s span) bool {
		if s.offset > end {
			return false
		}
		if s.end() >= start {
			touching = append(touching, s)
		}
		return true
	})
	if len(touching) == 0 {
		r.spans.ReplaceOrInsert(span{offset: offset, pkt: pkt})
		return
	}

	newStart := start
	if touching[0].offset < newStart {
		newStart = touching[0].offset
	}
	merged := buffer.New()
	cur := newStart
	for _, s := range touching {
		if s.offset > cur {
			merged.Append(pkt.Share(cur-start, s.offset-cur))
			cur = s.offset
		}
		segEnd := s.end()
		r.spans.Delete(s)
		merged.Append(s.pkt)
		cur = segEnd
	}
	if end > cur {
		merged.Append(pkt.Share(cur-start, end-cur))
	}
	pkt.Release()
	r.spans.ReplaceOrInsert(span{offset: newStart, pkt: merged})
}

// isComplete reports whether the whole datagram has been received: the
// final fragment was seen and the gap map collapsed to a single run
// starting at offset zero.
func (r *reassembler) isComplete() bool {
	if !r.lastFragReceived || r.spans.Len() != 1 {
		return false
	}
	s, _ := r.spans.Min()
	return s.offset == 0
}

// take removes and returns the stored header and assembled payload.
// The caller owns both. Only valid when isComplete.
func (r *reassembler) take() (hdr, data *buffer.Packet) {
	s, _ := r.spans.Min()
	r.spans.Delete(s)
	hdr = r.header
	r.header = nil
	return hdr, s.pkt
}

// release drops everything the reassembler holds.
func (r *reassembler) release() {
	if r.header != nil {
		r.header.Release()
		r.header = nil
	}
	r.spans.Ascend(func(s span) bool {
		s.pkt.Release()
		return true
	})
	r.spans.Clear(false)
}
