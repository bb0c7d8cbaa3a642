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
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/converge-io/ledger/internal/transport"
)

// fakeLedgerClient implements transport.LedgerClient, counting Append
// calls instead of making any RPC.
type fakeLedgerClient struct {
	appends atomic.Int64
}

func (f *fakeLedgerClient) Append(ctx context.Context, in *transport.AppendRequest, opts ...grpc.CallOption) (*transport.AppendResponse, error) {
	n := f.appends.Add(1)
	return &transport.AppendResponse{Entry: transport.EntryMessage{Sequence: uint64(n)}}, nil
}

func (f *fakeLedgerClient) Get(ctx context.Context, in *transport.GetRequest, opts ...grpc.CallOption) (*transport.GetResponse, error) {
	return &transport.GetResponse{}, nil
}

func (f *fakeLedgerClient) Snapshot(ctx context.Context, in *transport.SnapshotRequest, opts ...grpc.CallOption) (*transport.SnapshotResponse, error) {
	return &transport.SnapshotResponse{}, nil
}

func (f *fakeLedgerClient) Load(ctx context.Context, in *transport.LoadRequest, opts ...grpc.CallOption) (*transport.LoadResponse, error) {
	return &transport.LoadResponse{}, nil
}

func (f *fakeLedgerClient) Watch(ctx context.Context, in *transport.WatchRequest, opts ...grpc.CallOption) (transport.LedgerService_WatchClient, error) {
	return nil, nil
}

func TestAppendWorkerConsumesTokensAndReportsSamples(t *testing.T) {
	client := &fakeLedgerClient{}
	analyser := NewAnalyser()
	throttle := NewThrottle(1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewAppendWorker(client, analyser, throttle, "ctx", 16)()
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		throttle.TokenChan <- true
	}

	deadline := time.After(time.Second)
	for {
		if client.appends.Load() >= 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("append worker only issued %d appends, want >= 5", client.appends.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	w.Kill()
}
