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

package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/converge-io/ledger/internal/hashing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func payload(s string) []byte { return []byte(s) }

// S1 Basic round-trip.
func TestBasicRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.Append(ctx, "ctx", "facts", payload("p1"), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Sequence != 1 || e.LamportClock != 1 {
		t.Fatalf("Append() = %+v, want sequence 1, lamport 1", e)
	}

	entries, _, err := s.Get(ctx, "ctx", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "p1" {
		t.Fatalf("Get() = %+v, want one entry with payload p1", entries)
	}

	seq, err := s.CurrentSequence(ctx, "ctx")
	if err != nil {
		t.Fatalf("CurrentSequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("CurrentSequence = %d, want 1", seq)
	}
}

// S2 Incremental read.
func TestIncrementalRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		if _, err := s.Append(ctx, "ctx", "k", payload(fmt.Sprintf("p%d", i)), nil); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	entries, latest, err := s.Get(ctx, "ctx", GetOptions{AfterSequence: 5})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if latest != 10 {
		t.Fatalf("latest = %d, want 10", latest)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != uint64(6+i) {
			t.Fatalf("entries[%d].Sequence = %d, want %d", i, e.Sequence, 6+i)
		}
	}
}

// S3 Key filter.
func TestKeyFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inputs := []struct{ key, payload string }{
		{"facts", "p1"}, {"intents", "p2"}, {"facts", "p3"}, {"traces", "p4"}, {"facts", "p5"},
	}
	for _, in := range inputs {
		if _, err := s.Append(ctx, "ctx", in.key, payload(in.payload), nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	key := "facts"
	entries, _, err := s.Get(ctx, "ctx", GetOptions{Key: &key})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	wantPayloads := []string{"p1", "p3", "p5"}
	wantSeqs := []uint64{1, 3, 5}
	for i, e := range entries {
		if string(e.Payload) != wantPayloads[i] || e.Sequence != wantSeqs[i] {
			t.Fatalf("entries[%d] = %+v, want payload %s seq %d", i, e, wantPayloads[i], wantSeqs[i])
		}
	}
}

// S4 Pagination.
func TestPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		if _, err := s.Append(ctx, "ctx", "k", payload(fmt.Sprintf("p%d", i)), nil); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	var all []uint64
	after := uint64(0)
	for page := 0; page < 4; page++ {
		entries, _, err := s.Get(ctx, "ctx", GetOptions{AfterSequence: after, Limit: 25})
		if err != nil {
			t.Fatalf("Get page %d: %v", page, err)
		}
		if len(entries) != 25 {
			t.Fatalf("page %d has %d entries, want 25", page, len(entries))
		}
		for _, e := range entries {
			all = append(all, e.Sequence)
		}
		after = entries[len(entries)-1].Sequence
	}
	for i, seq := range all {
		if seq != uint64(i+1) {
			t.Fatalf("all[%d] = %d, want %d", i, seq, i+1)
		}
	}
}

// S5 Snapshot/load across contexts.
func TestSnapshotLoadAcrossContexts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		if _, err := s.Append(ctx, "source", "k", payload(fmt.Sprintf("p%d", i)), map[string]string{"index": fmt.Sprintf("%d", i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	snap, err := s.Snapshot(ctx, "source")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Metadata.EntryCount != 10 {
		t.Fatalf("EntryCount = %d, want 10", snap.Metadata.EntryCount)
	}

	result, err := s.Load(ctx, "target", snap.Blob, LoadOptions{VerifyIntegrity: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.EntriesRestored != 10 || result.LatestSequence != 10 {
		t.Fatalf("Load() = %+v, want 10 restored, sequence 10", result)
	}

	sourceEntries, _, _ := s.Get(ctx, "source", GetOptions{})
	targetEntries, _, err := s.Get(ctx, "target", GetOptions{})
	if err != nil {
		t.Fatalf("Get target: %v", err)
	}
	if len(targetEntries) != len(sourceEntries) {
		t.Fatalf("got %d target entries, want %d", len(targetEntries), len(sourceEntries))
	}
	for i := range sourceEntries {
		se, te := sourceEntries[i], targetEntries[i]
		if string(se.Payload) != string(te.Payload) || se.Key != te.Key || se.Sequence != te.Sequence {
			t.Fatalf("entry %d mismatch: source=%+v target=%+v", i, se, te)
		}
		if se.Metadata["index"] != te.Metadata["index"] {
			t.Fatalf("entry %d metadata mismatch: source=%v target=%v", i, se.Metadata, te.Metadata)
		}
		if se.ID == te.ID {
			t.Fatalf("entry %d id was not regenerated across contexts", i)
		}
		recomputed := hashing.HashEntry(te.ContextID, te.Key, te.Payload, te.Sequence, te.AppendedAtNS)
		if recomputed != te.ContentHash {
			t.Fatalf("entry %d content hash does not verify after cross-context load", i)
		}
	}
}

// S6 Tamper detection.
func TestTamperDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "source", "k", payload("original"), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	snap, err := s.Snapshot(ctx, "source")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	tampered := append([]byte(nil), snap.Blob...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = s.Load(ctx, "target", tampered, LoadOptions{VerifyIntegrity: true})
	if err == nil {
		t.Fatal("Load of tampered blob succeeded, want error")
	}

	entries, seq, err := s.Get(ctx, "target", GetOptions{})
	if err != nil {
		t.Fatalf("Get target: %v", err)
	}
	if len(entries) != 0 || seq != 0 {
		t.Fatalf("target context was modified by a failed Load: entries=%v seq=%d", entries, seq)
	}
}

// S7 Causal chain.
func TestCausalChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Append(ctx, "A", "f", payload("x"), nil)
	if err != nil {
		t.Fatalf("Append A: %v", err)
	}
	b, err := s.AppendWithReceivedTime(ctx, "B", "f", payload("y"), a.LamportClock, nil)
	if err != nil {
		t.Fatalf("Append B: %v", err)
	}
	c, err := s.AppendWithReceivedTime(ctx, "C", "f", payload("z"), b.LamportClock, nil)
	if err != nil {
		t.Fatalf("Append C: %v", err)
	}
	if !(a.LamportClock < b.LamportClock && b.LamportClock < c.LamportClock) {
		t.Fatalf("lamport chain not increasing: a=%d b=%d c=%d", a.LamportClock, b.LamportClock, c.LamportClock)
	}
	if b.LamportClock != a.LamportClock+1 {
		t.Fatalf("b.LamportClock = %d, want %d", b.LamportClock, a.LamportClock+1)
	}
	if c.LamportClock != b.LamportClock+1 {
		t.Fatalf("c.LamportClock = %d, want %d", c.LamportClock, b.LamportClock+1)
	}
}

func TestAppendNotifiesWatchRegistry(t *testing.T) {
	s := newTestStore(t)
	_, ch, cancel := s.Watch().Subscribe("ctx", nil)
	defer cancel()
	ctx := context.Background()

	if _, err := s.Append(ctx, "ctx", "facts", payload("p1"), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case e := <-ch:
		if e.Sequence != 1 {
			t.Fatalf("notification sequence = %d, want 1", e.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

// S8: Watch live delivery honors a subscription's key filter, delivering
// only entries whose key matches and nothing else.
func TestWatchDeliversOnlyMatchingKey(t *testing.T) {
	s := newTestStore(t)
	wanted := "facts"
	_, ch, cancel := s.Watch().Subscribe("ctx", &wanted)
	defer cancel()
	ctx := context.Background()

	if _, err := s.Append(ctx, "ctx", "other", payload("ignored"), nil); err != nil {
		t.Fatalf("Append other: %v", err)
	}
	if _, err := s.Append(ctx, "ctx", "facts", payload("p1"), nil); err != nil {
		t.Fatalf("Append facts: %v", err)
	}

	select {
	case e := <-ch:
		if e.Key != "facts" || string(e.Payload) != "p1" {
			t.Fatalf("got %+v, want the entry keyed \"facts\"", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching entry")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected second delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// S9 is a Watch Registry behavior, covered in internal/watch.

// P1
func TestSequencesAreContiguousFromOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const n = 30
	for i := 0; i < n; i++ {
		if _, err := s.Append(ctx, "ctx", "k", nil, nil); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	entries, _, err := s.Get(ctx, "ctx", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("got %d entries, want %d", len(entries), n)
	}
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("entries[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
	}
	seq, err := s.CurrentSequence(ctx, "ctx")
	if err != nil {
		t.Fatalf("CurrentSequence: %v", err)
	}
	if seq != n {
		t.Fatalf("CurrentSequence = %d, want %d", seq, n)
	}
}

// P2
func TestContentHashVerifies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "ctx", "k", payload("hello"), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, _, err := s.Get(ctx, "ctx", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, e := range entries {
		got := hashing.HashEntry(e.ContextID, e.Key, e.Payload, e.Sequence, e.AppendedAtNS)
		if got != e.ContentHash {
			t.Fatalf("recomputed hash %x != stored %x", got, e.ContentHash)
		}
	}
}

// P4
func TestContextIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "Y", "k", payload("y-data"), nil); err != nil {
		t.Fatalf("Append Y: %v", err)
	}
	before, _, err := s.Get(ctx, "Y", GetOptions{})
	if err != nil {
		t.Fatalf("Get Y: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, "X", "k", payload("x-data"), nil); err != nil {
			t.Fatalf("Append X: %v", err)
		}
	}

	after, _, err := s.Get(ctx, "Y", GetOptions{})
	if err != nil {
		t.Fatalf("Get Y: %v", err)
	}
	if len(before) != len(after) || before[0].ContentHash != after[0].ContentHash {
		t.Fatalf("context Y changed after appends to X: before=%+v after=%+v", before, after)
	}
}

// P8
func TestLamportMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var prev uint64
	for i := 0; i < 20; i++ {
		e, err := s.Append(ctx, "ctx", "k", nil, nil)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if e.LamportClock <= prev {
			t.Fatalf("lamport clock did not strictly increase: %d <= %d", e.LamportClock, prev)
		}
		prev = e.LamportClock
	}
}

// P9
func TestConcurrentAppendsProduceUniqueConsecutiveSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.Append(ctx, "ctx", "k", nil, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append: %v", err)
	}

	entries, _, err := s.Get(ctx, "ctx", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	seen := make(map[uint64]bool)
	for _, e := range entries {
		if seen[e.Sequence] {
			t.Fatalf("duplicate sequence %d", e.Sequence)
		}
		seen[e.Sequence] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct sequences, want %d", len(seen), n)
	}
}

func TestUnknownContextReadsAsZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seq, err := s.CurrentSequence(ctx, "nope")
	if err != nil {
		t.Fatalf("CurrentSequence: %v", err)
	}
	if seq != 0 {
		t.Fatalf("CurrentSequence = %d, want 0", seq)
	}
	lam, err := s.CurrentLamportTime(ctx, "nope")
	if err != nil {
		t.Fatalf("CurrentLamportTime: %v", err)
	}
	if lam != 0 {
		t.Fatalf("CurrentLamportTime = %d, want 0", lam)
	}
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	s, err := Open(Options{MaxPayloadBytes: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = s.Append(context.Background(), "ctx", "k", []byte("too big"), nil)
	if !Is(err, PayloadTooLarge) {
		t.Fatalf("Append error = %v, want PayloadTooLarge", err)
	}
}

func TestLoadFailIfExistsRejectsNonEmptyTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "source", "k", payload("p1"), nil); err != nil {
		t.Fatalf("Append source: %v", err)
	}
	if _, err := s.Append(ctx, "target", "k", payload("existing"), nil); err != nil {
		t.Fatalf("Append target: %v", err)
	}
	snap, err := s.Snapshot(ctx, "source")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	_, err = s.Load(ctx, "target", snap.Blob, LoadOptions{FailIfExists: true})
	if !Is(err, ContextAlreadyExists) {
		t.Fatalf("Load error = %v, want ContextAlreadyExists", err)
	}
}

func TestLoadDoesNotAdvanceTargetLamportClock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, "source", "k", payload("p"), nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	snap, err := s.Snapshot(ctx, "source")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := s.Load(ctx, "target", snap.Blob, LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	lam, err := s.CurrentLamportTime(ctx, "target")
	if err != nil {
		t.Fatalf("CurrentLamportTime: %v", err)
	}
	if lam != 0 {
		t.Fatalf("target lamport clock = %d, want 0 (Load must not advance it)", lam)
	}
}
