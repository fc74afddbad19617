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

// Package shard implements the shared-nothing execution model: one task
// runner per CPU, with per-shard state touched only from its runner.
// Submitting a task to another shard is the only cross-shard primitive.
package shard

import (
	"golang.org/x/sync/errgroup"

	"github.com/bjoto/seastar/pkg/tcpip"
)

// defaultQueueLen bounds each shard's inbound task queue.
const defaultQueueLen = 1024

// ID identifies a shard within a Set.
type ID int

// Shard is one CPU-bound task runner.
type Shard struct {
	id    ID
	tasks chan func()
	quit  chan struct{}
}

// ID returns the shard's index within its set.
func (s *Shard) ID() ID {
	return s.id
}

// Submit enqueues f to run on the shard. It blocks while the shard's
// queue is full, providing backpressure to the submitter.
func (s *Shard) Submit(f func()) error {
	select {
	case <-s.quit:
		return tcpip.ErrAborted
	case s.tasks <- f:
		return nil
	}
}

func (s *Shard) run() error {
	for {
		select {
		case f := <-s.tasks:
			f()
		case <-s.quit:
			// Drain what was enqueued before the shutdown signal.
			for {
				select {
				case f := <-s.tasks:
					f()
				default:
					return nil
				}
			}
		}
	}
}

// Set is a group of shards started together.
type Set struct {
	shards []*Shard
	eg     errgroup.Group
}

// NewSet creates n shards. Start launches their runners.
func NewSet(n int) *Set {
	s := &Set{}
	for i := 0; i < n; i++ {
		s.shards = append(s.shards, &Shard{
			id:    ID(i),
			tasks: make(chan func(), defaultQueueLen),
			quit:  make(chan struct{}),
		})
	}
	return s
}

// Count returns the number of shards in the set.
func (s *Set) Count() int {
	return len(s.shards)
}

// Shard returns the shard with the given id.
func (s *Set) Shard(id ID) *Shard {
	return s.shards[id]
}

// Start launches one runner goroutine per shard.
func (s *Set) Start() {
	for _, sh := range s.shards {
		sh := sh
		s.eg.Go(sh.run)
	}
}

// Close stops all runners after draining their queues and waits for
// them to exit.
func (s *Set) Close() error {
	for _, sh := range s.shards {
		close(sh.quit)
	}
	return s.eg.Wait()
}
