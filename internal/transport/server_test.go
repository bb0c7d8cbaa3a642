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

package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/converge-io/ledger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := ledger.Open(ledger.Options{})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return NewServer(store, 64)
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	appendResp, err := s.Append(ctx, &AppendRequest{ContextID: "ctx", Key: "facts", Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if appendResp.Entry.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", appendResp.Entry.Sequence)
	}

	getResp, err := s.Get(ctx, &GetRequest{ContextID: "ctx"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(getResp.Entries) != 1 || string(getResp.Entries[0].Payload) != "hi" {
		t.Fatalf("Get() = %+v, want one entry with payload hi", getResp.Entries)
	}
	if getResp.LatestSequence != 1 {
		t.Fatalf("LatestSequence = %d, want 1", getResp.LatestSequence)
	}
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, &AppendRequest{ContextID: "source", Key: "k", Payload: []byte("p1")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	snapResp, err := s.Snapshot(ctx, &SnapshotRequest{ContextID: "source"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapResp.Metadata.EntryCount != 1 {
		t.Fatalf("EntryCount = %d, want 1", snapResp.Metadata.EntryCount)
	}

	loadResp, err := s.Load(ctx, &LoadRequest{ContextID: "target", Blob: snapResp.Blob, VerifyIntegrity: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loadResp.EntriesRestored != 1 || loadResp.LatestSequence != 1 {
		t.Fatalf("Load() = %+v, want 1 restored, sequence 1", loadResp)
	}
}

func TestLoadFailIfExistsStatus(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, &AppendRequest{ContextID: "source", Key: "k", Payload: []byte("p1")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, &AppendRequest{ContextID: "target", Key: "k", Payload: []byte("already-here")}); err != nil {
		t.Fatalf("Append target: %v", err)
	}
	snapResp, err := s.Snapshot(ctx, &SnapshotRequest{ContextID: "source"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	_, err = s.Load(ctx, &LoadRequest{ContextID: "target", Blob: snapResp.Blob, FailIfExists: true})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.AlreadyExists {
		t.Fatalf("Load error = %v, want AlreadyExists status", err)
	}
}

func TestAppendOversizedPayloadStatus(t *testing.T) {
	store, err := ledger.Open(ledger.Options{MaxPayloadBytes: 4})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	s := NewServer(store, 64)
	_, err = s.Append(context.Background(), &AppendRequest{ContextID: "ctx", Key: "k", Payload: []byte("too big")})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		t.Fatalf("Append error = %v, want ResourceExhausted status", err)
	}
}

// fakeWatchStream is a minimal grpc.ServerStream + LedgerService_WatchServer
// double that records sent messages instead of writing to a wire.
type fakeWatchStream struct {
	ctx context.Context

	mu   sync.Mutex
	sent []*WatchResponse
}

func (f *fakeWatchStream) Send(m *WatchResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeWatchStream) snapshot() []*WatchResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*WatchResponse, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeWatchStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeWatchStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeWatchStream) SetTrailer(metadata.MD)       {}
func (f *fakeWatchStream) Context() context.Context     { return f.ctx }
func (f *fakeWatchStream) SendMsg(m interface{}) error  { return nil }
func (f *fakeWatchStream) RecvMsg(m interface{}) error  { return nil }

func TestWatchStreamsCatchUpThenLive(t *testing.T) {
	store, err := ledger.Open(ledger.Options{})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	s := NewServer(store, 64)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "ctx", "k", []byte("pre"), nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &fakeWatchStream{ctx: streamCtx}
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(&WatchRequest{ContextID: "ctx"}, stream)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if len(stream.snapshot()) >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for catch-up entries")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := store.Append(ctx, "ctx", "k", []byte("live"), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deadline = time.After(2 * time.Second)
	for {
		got := stream.snapshot()
		if len(got) == 4 && string(got[3].Entry.Payload) == "live" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for live entry, got %d messages", len(got))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}

	got := stream.snapshot()
	for i, m := range got {
		if m.Entry.Sequence != uint64(i+1) {
			t.Fatalf("got[%d].Sequence = %d, want %d", i, m.Entry.Sequence, i+1)
		}
	}
}

func TestWatchFiltersByKey(t *testing.T) {
	store, err := ledger.Open(ledger.Options{})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	s := NewServer(store, 64)
	ctx := context.Background()

	wanted := "facts"
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := &fakeWatchStream{ctx: streamCtx}
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(&WatchRequest{ContextID: "ctx", Key: &wanted}, stream)
	}()

	if _, err := store.Append(ctx, "ctx", "other", []byte("ignored"), nil); err != nil {
		t.Fatalf("Append other: %v", err)
	}
	if _, err := store.Append(ctx, "ctx", "facts", []byte("p1"), nil); err != nil {
		t.Fatalf("Append facts: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got := stream.snapshot()
		if len(got) == 1 {
			if got[0].Entry.Key != "facts" {
				t.Fatalf("delivered key = %q, want facts", got[0].Entry.Key)
			}
			break
		}
		if len(got) > 1 {
			t.Fatalf("got %d messages, want exactly 1 (filtered)", len(got))
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for filtered entry")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}
