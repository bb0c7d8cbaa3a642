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

// Package storage defines the narrow table abstraction (Tables/Txn) that
// the rest of Converge Ledger is built on, plus the Entry type they carry.
//
// The abstraction intentionally mirrors the one the teacher's
// DESIGN NOTES describe replacing a clustered in-memory table system with:
// begin/read/write/index_read/commit/abort, realized here as a
// Begin-a-Txn-then-call-methods-then-Commit/Abort cycle. The default
// implementation (memtables) is a hash-map-backed, per-context-locked
// realization of exactly that; storage/gcs is an optional durable one.
package storage

import "context"

// Entry is the canonical, storage-level representation of one committed
// append. The root ledger package exposes this type unchanged via a type
// alias, so that storage, watch and snapshot never need to import the root
// package (which depends on them).
type Entry struct {
	ID           string
	ContextID    string
	Key          string
	Payload      []byte
	Sequence     uint64
	AppendedAtNS int64
	Metadata     map[string]string
	LamportClock uint64
	ContentHash  [32]byte
}

// GetOptions restricts and paginates Get/Entries results. All fields are
// optional and compose with AND.
type GetOptions struct {
	Key           *string
	AfterSequence uint64
	Limit         uint64
}

// Tables is the storage-layer entry point: every operation against a
// context's entries, sequence counter, and Lamport clock happens inside a
// Txn obtained from Begin.
type Tables interface {
	// Begin opens a write transaction scoped to one context. Implementations
	// must serialize concurrent transactions for the same contextID (a
	// per-context critical section is the recommended realization) while
	// allowing unrelated contexts to proceed independently. ctx governs
	// the lock-acquisition deadline; exceeding it must return an error
	// classified as ledgererr.Internal.
	Begin(ctx context.Context, contextID string) (Txn, error)

	// Read returns entries matching opts in ascending sequence order, plus
	// the context's current sequence counter, without contending with the
	// per-context write lock used by Begin. Implementations must still
	// return a consistent snapshot of the committed prefix (no torn
	// entries).
	Read(ctx context.Context, contextID string, opts GetOptions) ([]Entry, uint64, error)

	// CurrentSequence returns 0 for an unknown context; it never creates
	// state.
	CurrentSequence(ctx context.Context, contextID string) (uint64, error)

	// CurrentLamport returns 0 for an unknown context; it never creates
	// state.
	CurrentLamport(ctx context.Context, contextID string) (uint64, error)
}

// Txn is a single atomic operation against one context's tables. Every
// exported Store operation maps to exactly one Txn lifecycle: obtain
// sequence/lamport values as needed, read or write entries, then Commit or
// Abort. A Txn that is aborted (or never committed) leaves no trace in any
// table.
type Txn interface {
	// NextSequence allocates and durably advances the context's sequence
	// counter by one, returning the new value.
	NextSequence() (uint64, error)
	// NextLamport advances the context's Lamport clock with Tick
	// semantics and returns the new value.
	NextLamport() (uint64, error)
	// NextLamportReceived advances the context's Lamport clock with
	// Update(received) semantics and returns the new value.
	NextLamportReceived(received uint64) (uint64, error)
	// PutEntry durably stores e. e.Sequence must already be the value
	// returned by a prior NextSequence call in this Txn.
	PutEntry(e Entry) error
	// Entries returns entries matching opts in ascending sequence order,
	// plus the context's current sequence counter (regardless of opts).
	Entries(opts GetOptions) ([]Entry, uint64, error)
	// CurrentSequence returns the context's sequence counter without
	// advancing it (0 for a context with no entries yet).
	CurrentSequence() uint64
	// CurrentLamport returns the context's Lamport clock without
	// advancing it.
	CurrentLamport() uint64
	// ReconcileSequence sets the counter to max(current, n). Used by Load
	// to fast-forward a target context's counter to the imported high
	// sequence without resetting it if it's already ahead.
	ReconcileSequence(n uint64) error
	// Commit durably applies every operation performed on this Txn.
	Commit() error
	// Abort discards every operation performed on this Txn.
	Abort() error
}
