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

package tcpip

import "sync/atomic"

// StatCounter is a monotonic counter. Counters are read concurrently by
// observers while the owning shard increments them, so access is atomic.
type StatCounter struct {
	count uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// IncrementBy adds v to the counter.
func (s *StatCounter) IncrementBy(v uint64) {
	atomic.AddUint64(&s.count, v)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return atomic.LoadUint64(&s.count)
}

// Stats holds one shard's drop and failure counters. Every ingress error
// is a silent drop accounted here; egress failures are additionally
// surfaced to the caller.
type Stats struct {
	// RxBadChecksum is the number of received packets dropped for an IP
	// header checksum mismatch.
	RxBadChecksum StatCounter

	// RxMalformed is the number of received packets dropped because the
	// IP header could not be parsed or the on-wire length was short.
	RxMalformed StatCounter

	// RxOversize is the number of received fragments dropped because the
	// reassembled datagram would exceed the maximum IP packet length.
	RxOversize StatCounter

	// RxNotForUs is the number of received packets dropped because the
	// destination address is not the host address.
	RxNotForUs StatCounter

	// FragTimeouts is the number of reassembly entries evicted because
	// they did not complete in time.
	FragTimeouts StatCounter

	// FragMemoryEvictions is the number of reassembly entries evicted
	// under memory pressure.
	FragMemoryEvictions StatCounter

	// TxFragFail is the number of egress datagrams whose fragment
	// emission was abandoned after an error.
	TxFragFail StatCounter

	// ARPUnreachable is the number of next-hop resolutions that
	// exhausted their retries. Lookups coalesced onto one resolution
	// count once.
	ARPUnreachable StatCounter
}
