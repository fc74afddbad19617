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

// Package fragmentation contains the per-shard reassembly cache: a
// fragment store with age-ordered timeout eviction and memory
// watermarks.
package fragmentation

import (
	"container/list"
	"sync"
	"time"

	"github.com/bjoto/seastar/pkg/log"
	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
)

const (
	// DefaultReassembleTimeout bounds how long an incomplete datagram
	// is kept.
	DefaultReassembleTimeout = 30 * time.Second

	// HighFragThreshold is the accounted memory bound that triggers an
	// eviction sweep.
	HighFragThreshold = 4 << 20

	// LowFragThreshold is the accounted memory target of an eviction
	// sweep.
	LowFragThreshold = 3 << 20
)

// Fragmentation is the reassembly cache of one shard. Entries are
// created on the first fragment of a datagram and destroyed on
// completion, timeout, or memory pressure.
type Fragmentation struct {
	mu           sync.Mutex
	reassemblers map[FragmentID]*reassembler
	age          *list.List
	memSize      int
	lowLimit     int
	highLimit    int
	timeout      time.Duration
	clock        tcpip.Clock
	timer        tcpip.Timer
	stats        *tcpip.Stats
}

// NewFragmentation creates a new Fragmentation. The sweep triggered
// when accounted memory exceeds highLimit evicts oldest-first until it
// is at most lowLimit.
func NewFragmentation(highLimit, lowLimit int, timeout time.Duration, clock tcpip.Clock, stats *tcpip.Stats) *Fragmentation {
	if clock == nil {
		clock = tcpip.NewStdClock()
	}
	return &Fragmentation{
		reassemblers: make(map[FragmentID]*reassembler),
		age:          list.New(),
		lowLimit:     lowLimit,
		highLimit:    highLimit,
		timeout:      timeout,
		clock:        clock,
		stats:        stats,
	}
}

// MemSize returns the accounted reassembly memory, in bytes.
func (f *Fragmentation) MemSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memSize
}

// Process inserts one received fragment. hdrLen is the length of the
// fragment's IP header, offset its payload offset within the datagram,
// and last whether the more-fragments flag was clear. The fragment
// packet still carries its IP header and is consumed.
//
// When the datagram is complete, Process removes the entry and returns
// its stored header and assembled payload with done set; the caller
// owns both. Otherwise it arms the reclaim timer and returns done
// false.
func (f *Fragmentation) Process(id FragmentID, hdrLen, offset int, last bool, pkt *buffer.Packet) (hdr, data *buffer.Packet, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.reassemblers[id]
	if r == nil {
		r = newReassembler(id, f.clock.Now())
		f.reassemblers[id] = r
		r.ageElem = f.age.PushBack(id)
	}
	f.memSize += r.merge(hdrLen, offset, pkt)
	if last {
		r.lastFragReceived = true
	}

	if r.isComplete() {
		f.memSize -= r.memSize
		delete(f.reassemblers, id)
		f.age.Remove(r.ageElem)
		hdr, data = r.take()
		done = true
	} else if f.timer == nil {
		f.timer = f.clock.AfterFunc(f.timeout, f.onTimer)
	}

	f.enforceMemoryPressureLocked()
	return hdr, data, done
}

// enforceMemoryPressureLocked evicts entries oldest-first while the
// accounted memory is above the high watermark, until it drops to the
// low watermark or the cache is empty.
func (f *Fragmentation) enforceMemoryPressureLocked() {
	if f.memSize <= f.highLimit {
		return
	}
	for f.memSize > f.lowLimit && f.age.Len() > 0 {
		front := f.age.Front()
		id := front.Value.(FragmentID)
		f.age.Remove(front)
		f.dropLocked(id)
		if f.stats != nil {
			f.stats.FragMemoryEvictions.Increment()
		}
	}
}

// onTimer walks the age list from the front, evicting every entry that
// has been incomplete for the full timeout. The walk stops at the
// first young entry: the list is push-back on first-seen, so rx times
// are monotonic along it.
func (f *Fragmentation) onTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	for e := f.age.Front(); e != nil; {
		id := e.Value.(FragmentID)
		r := f.reassemblers[id]
		if r.rxTime.Add(f.timeout).After(now) {
			// The remaining entries can only be younger.
			break
		}
		next := e.Next()
		f.age.Remove(e)
		f.dropLocked(id)
		if f.stats != nil {
			f.stats.FragTimeouts.Increment()
		}
		log.Debugf("fragmentation: reassembly of %v:%d timed out", id.Src, id.ID)
		e = next
	}

	if f.age.Len() > 0 {
		f.timer.Reset(f.timeout)
	} else {
		f.timer = nil
	}
}

// dropLocked evicts id's entry, releasing its packets and returning
// its bytes to the accounting. The age list element must already be
// unlinked.
func (f *Fragmentation) dropLocked(id FragmentID) {
	r := f.reassemblers[id]
	if r == nil {
		return
	}
	delete(f.reassemblers, id)
	f.memSize -= r.memSize
	r.release()
}
