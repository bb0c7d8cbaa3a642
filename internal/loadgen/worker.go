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
	"fmt"
	"time"

	"github.com/converge-io/ledger/internal/transport"
)

// NewAppendWorker returns a Worker factory bound to contextID, issuing one
// Append per token received from throttle and reporting latency/errors to
// analyser.
func NewAppendWorker(client transport.LedgerClient, analyser *Analyser, throttle *Throttle, contextID string, payloadBytes int) func() Worker {
	return func() Worker {
		return &appendWorker{
			client:    client,
			analyser:  analyser,
			throttle:  throttle,
			contextID: contextID,
			payload:   make([]byte, payloadBytes),
			killChan:  make(chan struct{}),
		}
	}
}

type appendWorker struct {
	client    transport.LedgerClient
	analyser  *Analyser
	throttle  *Throttle
	contextID string
	payload   []byte

	killChan chan struct{}
}

func (w *appendWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.killChan:
			return
		case <-w.throttle.TokenChan:
		}
		start := time.Now()
		resp, err := w.client.Append(ctx, &transport.AppendRequest{
			ContextID: w.contextID,
			Key:       "hammer",
			Payload:   w.payload,
		})
		if err != nil {
			select {
			case w.analyser.ErrChan <- fmt.Errorf("append %q: %w", w.contextID, err):
			default:
			}
			continue
		}
		select {
		case w.analyser.SampleChan <- AppendSample{ContextID: w.contextID, Sequence: resp.Entry.Sequence, Latency: time.Since(start)}:
		default:
		}
	}
}

func (w *appendWorker) Kill() {
	close(w.killChan)
}
