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

// Package arp implements the IPv4-to-link-address resolver. It keeps a
// cache of learned mappings, coalesces concurrent lookups for the same
// address into one outstanding request, and answers ARP requests for
// the configured self address.
package arp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/bjoto/seastar/pkg/log"
	"github.com/bjoto/seastar/pkg/tcpip"
	"github.com/bjoto/seastar/pkg/tcpip/buffer"
	"github.com/bjoto/seastar/pkg/tcpip/header"
	"github.com/bjoto/seastar/pkg/tcpip/stack"
)

const (
	// DefaultRequestTimeout is how long to wait for a reply to one
	// request before retrying.
	DefaultRequestTimeout = time.Second

	// DefaultMaxRetries is the number of requests sent before waiters
	// fail with ErrUnreachable.
	DefaultMaxRetries = 3

	// DefaultTTL is how long a learned entry stays valid.
	DefaultTTL = 20 * time.Minute
)

var broadcastMAC = tcpip.LinkAddress([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})

// errPending drives the retry schedule while an entry is unresolved.
var errPending = errors.New("arp: request pending")

// entryState controls the state of a single entry in the cache.
type entryState int

const (
	// incomplete means that there is an outstanding request to resolve
	// the address. This is the initial state.
	incomplete entryState = iota
	// ready means that the address has been resolved and can be used.
	ready
)

// entry is one key of the cache. done is non-nil exactly while a
// request loop is outstanding for the key; waiters block on it.
type entry struct {
	linkAddr   tcpip.LinkAddress
	s          entryState
	expiration time.Time
	done       chan struct{}
}

// Options configures a Resolver.
type Options struct {
	// Link transmits requests and replies.
	Link stack.LinkEndpoint

	// Clock provides entry expiration time. Defaults to the stdlib
	// clock.
	Clock tcpip.Clock

	// RequestTimeout, MaxRetries and TTL default to the package
	// constants when zero.
	RequestTimeout time.Duration
	MaxRetries     int
	TTL            time.Duration

	// Stats receives the unreachable counter. May be nil.
	Stats *tcpip.Stats
}

// Resolver is the per-host ARP table. It is safe for concurrent use;
// learn events arriving on any shard are visible to all.
type Resolver struct {
	link           stack.LinkEndpoint
	clock          tcpip.Clock
	requestTimeout time.Duration
	maxRetries     int
	ttl            time.Duration
	stats          *tcpip.Stats

	mu       sync.Mutex
	selfAddr tcpip.Address
	table    map[tcpip.Address]*entry
}

// NewResolver creates a Resolver sending requests through opts.Link.
func NewResolver(opts Options) *Resolver {
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	return &Resolver{
		link:           opts.Link,
		clock:          opts.Clock,
		requestTimeout: opts.RequestTimeout,
		maxRetries:     opts.MaxRetries,
		ttl:            opts.TTL,
		stats:          opts.Stats,
		table:          make(map[tcpip.Address]*entry),
	}
}

// SetSelfAddr sets the address this resolver answers requests for.
func (r *Resolver) SetSelfAddr(addr tcpip.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfAddr = addr
}

// Learn records link as the hardware address of addr and wakes all
// pending lookups on that key.
func (r *Resolver) Learn(link tcpip.LinkAddress, addr tcpip.Address) {
	expiration := r.clock.Now().Add(r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.table[addr]
	if e == nil {
		e = &entry{}
		r.table[addr] = e
	}
	e.linkAddr = link
	e.expiration = expiration
	if e.s == incomplete && e.done != nil {
		close(e.done)
		e.done = nil
	}
	e.s = ready
}

// resolveStatic handles addresses that never need a request on the
// wire.
func resolveStatic(addr tcpip.Address) (tcpip.LinkAddress, bool) {
	if addr == header.IPv4Broadcast {
		return broadcastMAC, true
	}
	if header.IsV4MulticastAddress(addr) {
		// RFC 1112 6.4: the low-order 23 bits of the group address map
		// into the Ethernet multicast prefix 01-00-5e.
		return tcpip.LinkAddress([]byte{
			0x01,
			0x00,
			0x5e,
			addr[1] & 0x7f,
			addr[2],
			addr[3],
		}), true
	}
	return "", false
}

// Resolve returns the link address of addr, sending an ARP request and
// waiting when it is not cached. Concurrent lookups for the same key
// share one outstanding request. After the retry budget is exhausted
// all waiters fail with ErrUnreachable.
func (r *Resolver) Resolve(ctx context.Context, addr tcpip.Address) (tcpip.LinkAddress, error) {
	if la, ok := resolveStatic(addr); ok {
		return la, nil
	}

	r.mu.Lock()
	e := r.table[addr]
	if e == nil {
		e = &entry{}
		r.table[addr] = e
	}
	if e.s == ready {
		if r.clock.Now().Before(e.expiration) {
			la := e.linkAddr
			r.mu.Unlock()
			return la, nil
		}
		e.s = incomplete
	}
	if e.done == nil {
		e.done = make(chan struct{})
		go r.requestLoop(addr, e.done)
	}
	done := e.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return "", tcpip.ErrAborted
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.s == ready {
		return e.linkAddr, nil
	}
	return "", tcpip.ErrUnreachable
}

// requestLoop sends requests for addr on a constant schedule until the
// entry resolves or the retry budget runs out. Exactly one loop runs
// per unresolved key.
func (r *Resolver) requestLoop(addr tcpip.Address, done chan struct{}) {
	// WithMaxRetries treats a zero budget as unlimited, so a single
	// request uses StopBackOff instead.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.maxRetries > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(r.requestTimeout), uint64(r.maxRetries-1))
	}
	err := backoff.Retry(func() error {
		r.mu.Lock()
		e := r.table[addr]
		resolved := e == nil || e.s == ready || e.done != done
		r.mu.Unlock()
		if resolved {
			return nil
		}
		r.sendRequest(addr)
		return errPending
	}, b)
	if err == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.table[addr]
	if e == nil || e.done != done {
		return
	}
	e.done = nil
	if e.s != ready {
		delete(r.table, addr)
		if r.stats != nil {
			r.stats.ARPUnreachable.Increment()
		}
		log.Debugf("arp: %v unreachable after %d requests", addr, r.maxRetries)
		close(done)
	}
}

func (r *Resolver) sendRequest(addr tcpip.Address) {
	r.mu.Lock()
	self := r.selfAddr
	r.mu.Unlock()

	v := buffer.NewView(header.ARPSize)
	h := header.ARP(v)
	h.SetIPv4OverEthernet()
	h.SetOp(header.ARPRequest)
	copy(h.HardwareAddressSender(), r.link.HWAddress())
	copy(h.ProtocolAddressSender(), self)
	copy(h.ProtocolAddressTarget(), addr)

	ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout)
	defer cancel()
	if err := r.link.Send(ctx, broadcastMAC, header.ARPProtocolNumber, buffer.New(v)); err != nil {
		log.Debugf("arp: request for %v failed: %v", addr, err)
	}
}

// HandleFrame processes a received ARP packet: requests for the self
// address are answered, and the sender's mapping is learned from every
// valid request or reply.
func (r *Resolver) HandleFrame(ctx context.Context, pkt *buffer.Packet, _ tcpip.LinkAddress) {
	defer pkt.Release()
	v := pkt.GetHeader(0, header.ARPSize)
	if v == nil {
		if !pkt.Linearize(0, header.ARPSize) {
			return
		}
		v = pkt.GetHeader(0, header.ARPSize)
	}
	h := header.ARP(v)
	if !h.IsValid() {
		return
	}

	switch h.Op() {
	case header.ARPRequest:
		r.mu.Lock()
		self := r.selfAddr
		r.mu.Unlock()
		if self != "" && tcpip.Address(h.ProtocolAddressTarget()) == self {
			rv := buffer.NewView(header.ARPSize)
			reply := header.ARP(rv)
			reply.SetIPv4OverEthernet()
			reply.SetOp(header.ARPReply)
			copy(reply.HardwareAddressSender(), r.link.HWAddress())
			copy(reply.ProtocolAddressSender(), h.ProtocolAddressTarget())
			copy(reply.HardwareAddressTarget(), h.HardwareAddressSender())
			copy(reply.ProtocolAddressTarget(), h.ProtocolAddressSender())
			dst := tcpip.LinkAddress(h.HardwareAddressSender())
			if err := r.link.Send(ctx, dst, header.ARPProtocolNumber, buffer.New(rv)); err != nil {
				log.Debugf("arp: reply to %v failed: %v", dst, err)
			}
		}
		fallthrough // also fill the cache from requests
	case header.ARPReply:
		r.Learn(tcpip.LinkAddress(h.HardwareAddressSender()), tcpip.Address(h.ProtocolAddressSender()))
	}
}
