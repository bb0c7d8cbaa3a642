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

package loadgen

import (
	"context"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"k8s.io/klog/v2"
)

// AppendSample records one Append RPC's round-trip latency for the
// Analyser to fold into its moving average.
type AppendSample struct {
	ContextID string
	Sequence  uint64
	Latency   time.Duration
}

// NewAnalyser creates an Analyser with empty channels ready for Run.
func NewAnalyser() *Analyser {
	return &Analyser{
		SampleChan:   make(chan AppendSample, 256),
		ErrChan:      make(chan error, 64),
		AppendLatency: movingaverage.Concurrent(movingaverage.New(30)),
	}
}

// Analyser folds Append latency samples and RPC errors from every worker
// into a rolling summary, logged periodically.
type Analyser struct {
	SampleChan chan AppendSample
	ErrChan    chan error

	AppendLatency *movingaverage.ConcurrentMovingAverage
}

func (a *Analyser) Run(ctx context.Context) {
	go a.sampleLoop(ctx)
	go a.errorLoop(ctx)
}

func (a *Analyser) sampleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-a.SampleChan:
			a.AppendLatency.Add(float64(s.Latency / time.Millisecond))
		}
	}
}

func (a *Analyser) errorLoop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	lastErr := ""
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if count > 0 {
				klog.Warningf("(%d x) %s", count, lastErr)
				count = 0
			}
		case err := <-a.ErrChan:
			es := err.Error()
			if es != lastErr && count > 0 {
				klog.Warningf("(%d x) %s", count, lastErr)
				count = 0
			}
			lastErr = es
			count++
		}
	}
}
