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

// Package loadgen drives synthetic Append traffic against a ledgerd for
// ledger-hammer, reusing the teacher's throttle/worker-pool/analyser shape
// (internal/hammer/loadtest) against a different backend.
package loadgen

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewThrottle creates a token bucket refilled once a second with
// opsPerSecond tokens.
func NewThrottle(opsPerSecond int) *Throttle {
	return &Throttle{
		opsPerSecond: opsPerSecond,
		TokenChan:    make(chan bool, opsPerSecond),
	}
}

// Throttle rate-limits workers to a target operation rate, which callers
// can raise or lower at runtime via Increase/Decrease (by 10%, at least 1).
type Throttle struct {
	TokenChan chan bool

	mu           sync.Mutex
	opsPerSecond int
	oversupply   int
}

func (t *Throttle) Increase() {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta := float64(t.opsPerSecond) * 0.1
	if delta < 1 {
		delta = 1
	}
	t.opsPerSecond += int(delta)
}

func (t *Throttle) Decrease() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opsPerSecond <= 1 {
		return
	}
	delta := float64(t.opsPerSecond) * 0.1
	if delta < 1 {
		delta = 1
	}
	t.opsPerSecond -= int(delta)
}

func (t *Throttle) Run(ctx context.Context) {
	interval := time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tctx, cancel := context.WithTimeout(ctx, interval)
			t.supplyTokens(tctx)
			cancel()
		}
	}
}

func (t *Throttle) supplyTokens(ctx context.Context) {
	t.mu.Lock()
	n := t.opsPerSecond
	t.mu.Unlock()
	supplied := 0
	for i := 0; i < n; i++ {
		select {
		case t.TokenChan <- true:
			supplied++
		case <-ctx.Done():
			t.mu.Lock()
			t.oversupply = n - supplied
			t.mu.Unlock()
			return
		}
	}
	t.mu.Lock()
	t.oversupply = 0
	t.mu.Unlock()
}

func (t *Throttle) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("target %d ops/s (oversupply last tick: %d)", t.opsPerSecond, t.oversupply)
}
