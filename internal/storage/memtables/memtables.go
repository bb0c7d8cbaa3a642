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

// Package memtables is the default, in-memory implementation of
// storage.Tables: a map from context id to that context's entries (plus an
// id index per context; key filters scan the context's entries), guarded by one
// per-context weighted semaphore for writes and one per-context RWMutex for
// reads, exactly the "permissible realization" storage.Tables describes.
package memtables

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/converge-io/ledger/internal/lamport"
	"github.com/converge-io/ledger/internal/ledgererr"
	"github.com/converge-io/ledger/internal/storage"
)

// Tables is the in-memory storage.Tables implementation.
type Tables struct {
	mu       sync.Mutex // guards contexts map membership only
	contexts map[string]*contextState
}

// New creates an empty in-memory Tables.
func New() *Tables {
	return &Tables{contexts: make(map[string]*contextState)}
}

type contextState struct {
	sem *semaphore.Weighted // weight 1: at most one in-flight write txn

	mu       sync.RWMutex // guards the fields below
	entries  []storage.Entry
	byID     map[string]int // id -> index into entries
	sequence uint64
	lamport  lamport.Clock
}

func (t *Tables) stateFor(contextID string) *contextState {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.contexts[contextID]
	if !ok {
		cs = &contextState{
			sem:  semaphore.NewWeighted(1),
			byID: make(map[string]int),
		}
		t.contexts[contextID] = cs
	}
	return cs
}

// lookup returns contextID's state, or nil if none exists; it never
// creates state.
func (t *Tables) lookup(contextID string) *contextState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contexts[contextID]
}

// Begin acquires the per-context write lock, with ctx governing the
// acquisition deadline.
func (t *Tables) Begin(ctx context.Context, contextID string) (storage.Txn, error) {
	if contextID == "" {
		return nil, ledgererr.New(ledgererr.Internal, "empty context id")
	}
	cs := t.stateFor(contextID)
	if err := cs.sem.Acquire(ctx, 1); err != nil {
		return nil, ledgererr.Wrap(ledgererr.Internal, "lock acquisition timed out", err)
	}
	cs.mu.RLock()
	txn := &txn{
		cs:          cs,
		sequence:    cs.sequence,
		lamport:     cs.lamport,
		baseEntries: len(cs.entries),
	}
	cs.mu.RUnlock()
	return txn, nil
}

// Read returns a consistent snapshot of entries matching opts without
// contending with Begin's write lock.
func (t *Tables) Read(_ context.Context, contextID string, opts storage.GetOptions) ([]storage.Entry, uint64, error) {
	cs := t.stateFor(contextID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return filterEntries(cs.entries, opts), cs.sequence, nil
}

// CurrentSequence returns 0 for a context with no entries.
func (t *Tables) CurrentSequence(_ context.Context, contextID string) (uint64, error) {
	cs := t.lookup(contextID)
	if cs == nil {
		return 0, nil
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.sequence, nil
}

// CurrentLamport returns 0 for a context with no entries.
func (t *Tables) CurrentLamport(_ context.Context, contextID string) (uint64, error) {
	cs := t.lookup(contextID)
	if cs == nil {
		return 0, nil
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lamport.Current(), nil
}

func filterEntries(all []storage.Entry, opts storage.GetOptions) []storage.Entry {
	out := make([]storage.Entry, 0, len(all))
	for _, e := range all {
		if e.Sequence <= opts.AfterSequence {
			continue
		}
		if opts.Key != nil && e.Key != *opts.Key {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && uint64(len(out)) >= opts.Limit {
			break
		}
	}
	return out
}

// txn is a staged write transaction: nothing is visible to readers or to
// other transactions until Commit applies the staged state under cs.mu.
type txn struct {
	cs *contextState

	baseEntries int
	sequence    uint64
	lamport     lamport.Clock
	pending     []storage.Entry

	done bool
}

func (tx *txn) NextSequence() (uint64, error) {
	if tx.done {
		return 0, ledgererr.New(ledgererr.SequenceFailed, "transaction already finished")
	}
	tx.sequence++
	return tx.sequence, nil
}

func (tx *txn) NextLamport() (uint64, error) {
	if tx.done {
		return 0, ledgererr.New(ledgererr.LamportTimeFailed, "transaction already finished")
	}
	return tx.lamport.Tick(), nil
}

func (tx *txn) NextLamportReceived(received uint64) (uint64, error) {
	if tx.done {
		return 0, ledgererr.New(ledgererr.LamportTimeFailed, "transaction already finished")
	}
	return tx.lamport.Update(received), nil
}

func (tx *txn) PutEntry(e storage.Entry) error {
	if tx.done {
		return ledgererr.New(ledgererr.AppendFailed, "transaction already finished")
	}
	tx.pending = append(tx.pending, e)
	return nil
}

func (tx *txn) Entries(opts storage.GetOptions) ([]storage.Entry, uint64, error) {
	if tx.done {
		return nil, 0, ledgererr.New(ledgererr.GetFailed, "transaction already finished")
	}
	tx.cs.mu.RLock()
	committed := tx.cs.entries[:tx.baseEntries]
	all := make([]storage.Entry, 0, len(committed)+len(tx.pending))
	all = append(all, committed...)
	tx.cs.mu.RUnlock()
	all = append(all, tx.pending...)
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	return filterEntries(all, opts), tx.sequence, nil
}

func (tx *txn) CurrentSequence() uint64 { return tx.sequence }
func (tx *txn) CurrentLamport() uint64  { return tx.lamport.Current() }

func (tx *txn) ReconcileSequence(n uint64) error {
	if tx.done {
		return ledgererr.New(ledgererr.SequenceFailed, "transaction already finished")
	}
	if n > tx.sequence {
		tx.sequence = n
	}
	return nil
}

func (tx *txn) Commit() error {
	if tx.done {
		return ledgererr.New(ledgererr.Internal, "transaction already finished")
	}
	tx.done = true
	defer tx.cs.sem.Release(1)

	tx.cs.mu.Lock()
	defer tx.cs.mu.Unlock()
	for _, e := range tx.pending {
		tx.cs.byID[e.ID] = len(tx.cs.entries)
		tx.cs.entries = append(tx.cs.entries, e)
	}
	tx.cs.sequence = tx.sequence
	tx.cs.lamport = tx.lamport
	return nil
}

func (tx *txn) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.cs.sem.Release(1)
	return nil
}
