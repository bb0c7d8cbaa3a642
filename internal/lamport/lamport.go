// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// Package lamport implements a single per-context logical clock.
//
// Callers are responsible for serializing access to a given Clock; the
// storage layer holds one Clock per context behind its own per-context
// critical section, so Clock itself does no locking.
package lamport

// Clock is a Lamport logical clock, initially 0.
type Clock struct {
	t uint64
}

// NewClock returns a Clock resuming from a previously persisted value.
func NewClock(t uint64) Clock {
	return Clock{t: t}
}

// Current returns the clock's value without advancing it.
func (c *Clock) Current() uint64 {
	return c.t
}

// Tick advances the clock by one and returns the new value.
func (c *Clock) Tick() uint64 {
	c.t++
	return c.t
}

// Update advances the clock to max(current, received)+1 and returns the
// new value.
func (c *Clock) Update(received uint64) uint64 {
	if received > c.t {
		c.t = received
	}
	c.t++
	return c.t
}

// HappenedBefore reports whether a happened before b under integer
// comparison of their logical times.
func HappenedBefore(a, b uint64) bool {
	return a < b
}
