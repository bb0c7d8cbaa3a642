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

// Package ledger is a derivative, append-only context store: it durably
// remembers the ordered history of entries appended to named contexts,
// exposes that history for filtered/paginated retrieval and live
// subscription, and supports portable snapshot/restore. It is never
// authoritative — losing its data must not affect the correctness of
// whatever system produced the entries it holds.
package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/converge-io/ledger/internal/hashing"
	"github.com/converge-io/ledger/internal/ledgererr"
	"github.com/converge-io/ledger/internal/merkle"
	"github.com/converge-io/ledger/internal/snapshot"
	"github.com/converge-io/ledger/internal/storage"
	"github.com/converge-io/ledger/internal/storage/memtables"
	"github.com/converge-io/ledger/internal/watch"
)

// Entry is one immutable, committed append to one context. It is an alias
// for storage.Entry so that storage, watch and snapshot never need to
// import this package, which imports all of them.
type Entry = storage.Entry

// GetOptions restricts and paginates Get results. All fields are optional
// and compose with AND.
type GetOptions = storage.GetOptions

// Kind classifies an Error.
type Kind = ledgererr.Kind

// Error kinds, re-exported from ledgererr so callers never need to import
// the internal package directly.
const (
	PayloadTooLarge             = ledgererr.PayloadTooLarge
	InvalidSnapshotFormat       = ledgererr.InvalidSnapshotFormat
	UnsupportedSnapshotVersion  = ledgererr.UnsupportedSnapshotVersion
	ContextAlreadyExists        = ledgererr.ContextAlreadyExists
	IntegrityVerificationFailed = ledgererr.IntegrityVerificationFailed
	HashMismatch                = ledgererr.HashMismatch
	AppendFailed                = ledgererr.AppendFailed
	GetFailed                   = ledgererr.GetFailed
	SnapshotFailed              = ledgererr.SnapshotFailed
	LoadFailed                  = ledgererr.LoadFailed
	SequenceFailed              = ledgererr.SequenceFailed
	LamportTimeFailed           = ledgererr.LamportTimeFailed
	Internal                    = ledgererr.Internal
)

// Is reports whether err is a ledger error of the given Kind.
func Is(err error, k Kind) bool { return ledgererr.Is(err, k) }

// DefaultMaxPayloadBytes is the per-entry payload cap used when Options
// does not override it.
const DefaultMaxPayloadBytes = 4 * 1024 * 1024

// DefaultTxnTimeout bounds how long Append/Load will wait to acquire a
// context's write lock before failing with Internal. Get and Snapshot read
// without taking the write lock.
const DefaultTxnTimeout = 5 * time.Second

// SnapshotResult is the return value of Store.Snapshot: an opaque blob plus
// descriptive metadata about what it contains.
type SnapshotResult struct {
	Blob     []byte
	Sequence uint64
	Metadata SnapshotMetadata
}

// SnapshotMetadata describes a SnapshotResult without requiring the caller
// to decode the blob.
type SnapshotMetadata struct {
	CreatedAtNS   int64
	EntryCount    int
	Version       uint64
	MerkleRootHex string
}

// LoadOptions controls Store.Load.
type LoadOptions struct {
	// FailIfExists, if true, rejects Load with ContextAlreadyExists when the
	// target context already has entries.
	FailIfExists bool
	// VerifyIntegrity, when true, recomputes the Merkle root over the
	// blob's entries and compares it to the root recorded in the blob. The
	// zero value (false) skips the check. Version 1 blobs carry no root and are never integrity-checked
	// regardless of this setting.
	VerifyIntegrity bool
}

// LoadResult is the return value of Store.Load.
type LoadResult struct {
	EntriesRestored int
	LatestSequence  uint64
}

// Options configures a Store.
type Options struct {
	// Tables backs the Store; if nil, Open uses an in-memory
	// implementation (see internal/storage/memtables).
	Tables storage.Tables
	// Registry fans out post-commit notifications; if nil, Open creates
	// one with the default buffer size.
	Registry *watch.Registry
	// MaxPayloadBytes caps Append's payload size; 0 selects
	// DefaultMaxPayloadBytes.
	MaxPayloadBytes int
	// TxnTimeout bounds per-context write-lock acquisition; 0 selects
	// DefaultTxnTimeout.
	TxnTimeout time.Duration
	// Meter records append instrumentation (append.count, append.latency);
	// a watch.notify.dropped counter is also created on it, but nothing
	// increments it. If nil, a no-op Meter is used.
	Meter metric.Meter
}

// Store is the public facade over the append-only context store: sequence
// and Lamport clock assignment, content hashing, retrieval, snapshot/load,
// and post-commit notification all happen here.
type Store struct {
	tables          storage.Tables
	registry        *watch.Registry
	maxPayloadBytes int
	txnTimeout      time.Duration

	appendCount   metric.Int64Counter
	appendLatency metric.Float64Histogram
	notifyDropped metric.Int64Counter
}

// Open constructs a Store from opts, filling in defaults for anything
// unset.
func Open(opts Options) (*Store, error) {
	tables := opts.Tables
	if tables == nil {
		tables = memtables.New()
	}
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	txnTimeout := opts.TxnTimeout
	if txnTimeout <= 0 {
		txnTimeout = DefaultTxnTimeout
	}
	registry := opts.Registry
	if registry == nil {
		registry = watch.NewRegistry(0)
	}

	s := &Store{
		tables:          tables,
		registry:        registry,
		maxPayloadBytes: maxPayload,
		txnTimeout:      txnTimeout,
	}

	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("github.com/converge-io/ledger")
	}
	var err error
	if s.appendCount, err = meter.Int64Counter("append.count"); err != nil {
		return nil, fmt.Errorf("ledger: create append.count counter: %w", err)
	}
	if s.appendLatency, err = meter.Float64Histogram("append.latency"); err != nil {
		return nil, fmt.Errorf("ledger: create append.latency histogram: %w", err)
	}
	if s.notifyDropped, err = meter.Int64Counter("watch.notify.dropped"); err != nil {
		return nil, fmt.Errorf("ledger: create watch.notify.dropped counter: %w", err)
	}
	return s, nil
}

// Watch returns the Store's subscription registry, for wiring into a
// transport layer's streaming RPC handler.
func (s *Store) Watch() *watch.Registry { return s.registry }

func newEntryID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Append assigns the next sequence number and Lamport tick to a new entry
// in contextID, persists it, and notifies any live subscribers.
func (s *Store) Append(ctx context.Context, contextID, key string, payload []byte, metadata map[string]string) (Entry, error) {
	return s.append(ctx, contextID, key, payload, metadata, nil)
}

// AppendWithReceivedTime is Append, except the Lamport clock is advanced
// with Update(received) instead of Tick, propagating causal order observed
// from another context.
func (s *Store) AppendWithReceivedTime(ctx context.Context, contextID, key string, payload []byte, received uint64, metadata map[string]string) (Entry, error) {
	return s.append(ctx, contextID, key, payload, metadata, &received)
}

func (s *Store) append(ctx context.Context, contextID, key string, payload []byte, metadata map[string]string, received *uint64) (Entry, error) {
	start := time.Now()
	if len(payload) > s.maxPayloadBytes {
		return Entry{}, ledgererr.New(ledgererr.PayloadTooLarge, fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(payload), s.maxPayloadBytes))
	}
	if contextID == "" {
		return Entry{}, ledgererr.New(ledgererr.AppendFailed, "context id must not be empty")
	}

	txnCtx, cancel := context.WithTimeout(ctx, s.txnTimeout)
	defer cancel()
	txn, err := s.tables.Begin(txnCtx, contextID)
	if err != nil {
		if ledgererr.Is(err, ledgererr.Internal) {
			return Entry{}, err
		}
		return Entry{}, ledgererr.Wrap(ledgererr.AppendFailed, "begin transaction", err)
	}

	seq, err := txn.NextSequence()
	if err != nil {
		_ = txn.Abort()
		return Entry{}, ledgererr.Wrap(ledgererr.SequenceFailed, "allocate sequence", err)
	}

	var lam uint64
	if received == nil {
		lam, err = txn.NextLamport()
	} else {
		lam, err = txn.NextLamportReceived(*received)
	}
	if err != nil {
		_ = txn.Abort()
		return Entry{}, ledgererr.Wrap(ledgererr.LamportTimeFailed, "advance lamport clock", err)
	}

	appendedAt := time.Now().UnixNano()
	e := Entry{
		ID:           newEntryID(),
		ContextID:    contextID,
		Key:          key,
		Payload:      payload,
		Sequence:     seq,
		AppendedAtNS: appendedAt,
		Metadata:     metadata,
		LamportClock: lam,
	}
	e.ContentHash = hashing.HashEntry(e.ContextID, e.Key, e.Payload, e.Sequence, e.AppendedAtNS)

	if err := txn.PutEntry(e); err != nil {
		_ = txn.Abort()
		return Entry{}, ledgererr.Wrap(ledgererr.AppendFailed, "stage entry", err)
	}
	if err := txn.Commit(); err != nil {
		return Entry{}, ledgererr.Wrap(ledgererr.AppendFailed, "commit transaction", err)
	}

	s.registry.Notify(e)
	s.appendCount.Add(ctx, 1)
	s.appendLatency.Record(ctx, time.Since(start).Seconds())
	return e, nil
}

// Get returns entries matching opts in ascending sequence order, plus the
// context's current sequence counter (regardless of opts).
func (s *Store) Get(ctx context.Context, contextID string, opts GetOptions) ([]Entry, uint64, error) {
	entries, seq, err := s.tables.Read(ctx, contextID, opts)
	if err != nil {
		return nil, 0, ledgererr.Wrap(ledgererr.GetFailed, "read entries", err)
	}
	return entries, seq, nil
}

// CurrentSequence returns 0 for an unknown context; it never creates state.
func (s *Store) CurrentSequence(ctx context.Context, contextID string) (uint64, error) {
	seq, err := s.tables.CurrentSequence(ctx, contextID)
	if err != nil {
		return 0, ledgererr.Wrap(ledgererr.SequenceFailed, "read sequence", err)
	}
	return seq, nil
}

// CurrentLamportTime returns 0 for an unknown context; it never creates
// state.
func (s *Store) CurrentLamportTime(ctx context.Context, contextID string) (uint64, error) {
	lam, err := s.tables.CurrentLamport(ctx, contextID)
	if err != nil {
		return 0, ledgererr.Wrap(ledgererr.LamportTimeFailed, "read lamport clock", err)
	}
	return lam, nil
}

// Snapshot produces a self-describing, compressed blob containing every
// entry of contextID plus the Merkle root computed over their content
// hashes, in ascending sequence order.
func (s *Store) Snapshot(ctx context.Context, contextID string) (SnapshotResult, error) {
	entries, seq, err := s.tables.Read(ctx, contextID, GetOptions{})
	if err != nil {
		return SnapshotResult{}, ledgererr.Wrap(ledgererr.SnapshotFailed, "read entries", err)
	}
	root := merkleRootOf(entries)

	blob, err := snapshot.Encode(entries, root)
	if err != nil {
		return SnapshotResult{}, ledgererr.Wrap(ledgererr.SnapshotFailed, "encode snapshot", err)
	}

	return SnapshotResult{
		Blob:     blob,
		Sequence: seq,
		Metadata: SnapshotMetadata{
			CreatedAtNS:   time.Now().UnixNano(),
			EntryCount:    len(entries),
			Version:       snapshot.CurrentVersion,
			MerkleRootHex: hex.EncodeToString(root[:]),
		},
	}, nil
}

// Load decodes blob and writes its entries into contextID, regenerating ids
// (and recomputing content hashes) whenever the target context differs
// from the source the blob was snapshotted from. The target's Lamport
// clock is left unchanged, per the spec's documented choice not to advance
// it on Load.
func (s *Store) Load(ctx context.Context, contextID string, blob []byte, opts LoadOptions) (LoadResult, error) {
	verifyIntegrity := opts.VerifyIntegrity
	decoded, err := snapshot.Decode(blob)
	if err != nil {
		return LoadResult{}, err
	}

	if decoded.HasRoot && verifyIntegrity {
		root := merkleRootOf(decoded.Entries)
		if root != decoded.Root {
			return LoadResult{}, ledgererr.New(ledgererr.IntegrityVerificationFailed, "merkle root mismatch")
		}
	}

	txnCtx, cancel := context.WithTimeout(ctx, s.txnTimeout)
	defer cancel()
	txn, err := s.tables.Begin(txnCtx, contextID)
	if err != nil {
		if ledgererr.Is(err, ledgererr.Internal) {
			return LoadResult{}, err
		}
		return LoadResult{}, ledgererr.Wrap(ledgererr.LoadFailed, "begin transaction", err)
	}

	if opts.FailIfExists && txn.CurrentSequence() > 0 {
		_ = txn.Abort()
		return LoadResult{}, ledgererr.New(ledgererr.ContextAlreadyExists, fmt.Sprintf("context %q already has entries", contextID))
	}

	var sourceContextID string
	if len(decoded.Entries) > 0 {
		sourceContextID = decoded.Entries[0].ContextID
	}
	crossContext := sourceContextID != contextID

	var maxSeq uint64
	committed := make([]Entry, 0, len(decoded.Entries))
	for _, e := range decoded.Entries {
		if crossContext {
			e.ID = newEntryID()
			e.ContextID = contextID
			e.ContentHash = hashing.HashEntry(e.ContextID, e.Key, e.Payload, e.Sequence, e.AppendedAtNS)
		}
		if err := txn.PutEntry(e); err != nil {
			_ = txn.Abort()
			return LoadResult{}, ledgererr.Wrap(ledgererr.LoadFailed, "stage restored entry", err)
		}
		committed = append(committed, e)
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
	}

	if err := txn.ReconcileSequence(maxSeq); err != nil {
		_ = txn.Abort()
		return LoadResult{}, ledgererr.Wrap(ledgererr.LoadFailed, "reconcile sequence counter", err)
	}

	if err := txn.Commit(); err != nil {
		return LoadResult{}, ledgererr.Wrap(ledgererr.LoadFailed, "commit transaction", err)
	}

	for _, e := range committed {
		s.registry.Notify(e)
	}

	return LoadResult{EntriesRestored: len(decoded.Entries), LatestSequence: txn.CurrentSequence()}, nil
}

func merkleRootOf(entries []Entry) [32]byte {
	leaves := make([][32]byte, len(entries))
	for i, e := range entries {
		leaves[i] = e.ContentHash
	}
	return merkle.Root(leaves)
}
