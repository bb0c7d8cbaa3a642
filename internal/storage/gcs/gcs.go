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

// Package gcs is an optional durable storage.Tables backed by Google Cloud
// Storage: each context's entries, sequence counter and Lamport clock are
// held in a single JSON object, and every write is generation-conditioned so
// that two writers racing on the same context never silently clobber each
// other.
//
// This trades the per-context in-process lock memtables uses for GCS's
// optimistic concurrency: Begin reads the current generation, Commit writes
// back with an If-Generation-Match precondition, and a precondition failure
// is retried (re-read, reapply, rewrite) a bounded number of times via
// avast/retry-go.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	gcsapi "cloud.google.com/go/storage"
	"github.com/avast/retry-go/v4"
	"google.golang.org/api/googleapi"

	"github.com/converge-io/ledger/internal/hashing"
	"github.com/converge-io/ledger/internal/lamport"
	"github.com/converge-io/ledger/internal/ledgererr"
	"github.com/converge-io/ledger/internal/storage"
)

// object is the on-disk representation of one context's committed state.
// It intentionally mirrors storage.Entry field-for-field rather than
// embedding it, so the wire format is stable even if storage.Entry grows
// fields later.
type object struct {
	Sequence uint64      `json:"sequence"`
	Lamport  uint64      `json:"lamport"`
	Entries  []jsonEntry `json:"entries"`
}

type jsonEntry struct {
	ID           string            `json:"id"`
	ContextID    string            `json:"context_id"`
	Key          string            `json:"key"`
	Payload      []byte            `json:"payload"`
	Sequence     uint64            `json:"sequence"`
	AppendedAtNS int64             `json:"appended_at_ns"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LamportClock uint64            `json:"lamport_clock"`
	ContentHash  []byte            `json:"content_hash"`
}

func toJSONEntry(e storage.Entry) jsonEntry {
	return jsonEntry{
		ID:           e.ID,
		ContextID:    e.ContextID,
		Key:          e.Key,
		Payload:      e.Payload,
		Sequence:     e.Sequence,
		AppendedAtNS: e.AppendedAtNS,
		Metadata:     e.Metadata,
		LamportClock: e.LamportClock,
		ContentHash:  e.ContentHash[:],
	}
}

func fromJSONEntry(j jsonEntry) storage.Entry {
	e := storage.Entry{
		ID:           j.ID,
		ContextID:    j.ContextID,
		Key:          j.Key,
		Payload:      j.Payload,
		Sequence:     j.Sequence,
		AppendedAtNS: j.AppendedAtNS,
		Metadata:     j.Metadata,
		LamportClock: j.LamportClock,
	}
	copy(e.ContentHash[:], j.ContentHash)
	return e
}

// Tables is a GCS-backed storage.Tables.
type Tables struct {
	client *gcsapi.Client
	bucket string
	// attempts bounds the number of generation-conflict retries Commit will
	// perform before giving up.
	attempts uint
}

// Config configures a GCS-backed Tables.
type Config struct {
	Bucket string
	// Attempts bounds generation-conflict retries on Commit. Zero selects a
	// default of 5.
	Attempts uint
}

// New creates a Tables backed by the given GCS client and bucket.
func New(client *gcsapi.Client, cfg Config) *Tables {
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 5
	}
	return &Tables{client: client, bucket: cfg.Bucket, attempts: attempts}
}

func objectName(contextID string) string {
	return "contexts/" + contextID + ".json"
}

func (t *Tables) read(ctx context.Context, contextID string) (object, int64, error) {
	r, err := t.client.Bucket(t.bucket).Object(objectName(contextID)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcsapi.ErrObjectNotExist) {
			return object{}, 0, nil
		}
		return object{}, 0, fmt.Errorf("gcs: read context %q: %w", contextID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return object{}, 0, fmt.Errorf("gcs: read context %q: %w", contextID, err)
	}
	var o object
	if len(data) > 0 {
		if err := json.Unmarshal(data, &o); err != nil {
			return object{}, 0, fmt.Errorf("gcs: decode context %q: %w", contextID, err)
		}
	}
	return o, r.Attrs.Generation, nil
}

// isPreconditionFailed reports whether err is a GCS precondition-failed
// response, meaning another writer committed to this context first.
func isPreconditionFailed(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusPreconditionFailed
}

func (t *Tables) write(ctx context.Context, contextID string, generation int64, o object) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("gcs: encode context %q: %w", contextID, err)
	}
	obj := t.client.Bucket(t.bucket).Object(objectName(contextID))
	cond := gcsapi.Conditions{GenerationMatch: generation}
	if generation == 0 {
		// read reports generation 0 for a context with no object yet.
		cond = gcsapi.Conditions{DoesNotExist: true}
	}
	w := obj.If(cond).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

// Begin reads the current state of contextID and stages writes against it
// in memory; Commit retries the whole read-modify-write cycle on a
// generation conflict.
func (t *Tables) Begin(ctx context.Context, contextID string) (storage.Txn, error) {
	if contextID == "" {
		return nil, ledgererr.New(ledgererr.Internal, "empty context id")
	}
	o, gen, err := t.read(ctx, contextID)
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.Internal, "begin transaction", err)
	}
	return &txn{
		t:          t,
		ctx:        ctx,
		contextID:  contextID,
		generation: gen,
		sequence:   o.Sequence,
		lamport:    lamport.NewClock(o.Lamport),
		committed:  o.Entries,
	}, nil
}

// Read returns a consistent snapshot of contextID's committed entries at
// whatever generation happens to be current when the read completes.
func (t *Tables) Read(ctx context.Context, contextID string, opts storage.GetOptions) ([]storage.Entry, uint64, error) {
	o, _, err := t.read(ctx, contextID)
	if err != nil {
		return nil, 0, ledgererr.Wrap(ledgererr.GetFailed, "read", err)
	}
	entries := make([]storage.Entry, 0, len(o.Entries))
	for _, j := range o.Entries {
		entries = append(entries, fromJSONEntry(j))
	}
	return filterEntries(entries, opts), o.Sequence, nil
}

// CurrentSequence returns 0 for an unknown context.
func (t *Tables) CurrentSequence(ctx context.Context, contextID string) (uint64, error) {
	o, _, err := t.read(ctx, contextID)
	if err != nil {
		return 0, ledgererr.Wrap(ledgererr.SequenceFailed, "current sequence", err)
	}
	return o.Sequence, nil
}

// CurrentLamport returns 0 for an unknown context.
func (t *Tables) CurrentLamport(ctx context.Context, contextID string) (uint64, error) {
	o, _, err := t.read(ctx, contextID)
	if err != nil {
		return 0, ledgererr.Wrap(ledgererr.LamportTimeFailed, "current lamport", err)
	}
	return o.Lamport, nil
}

// renumberAgainst reassigns sequence, Lamport clock and content hash for
// each pending entry starting from a freshly-read base, so a retried commit
// can never collide with entries a racing writer landed first.
func renumberAgainst(pending []jsonEntry, baseSequence, baseLamport uint64) ([]jsonEntry, uint64, lamport.Clock) {
	seq := baseSequence
	clock := lamport.NewClock(baseLamport)
	out := make([]jsonEntry, len(pending))
	for i, j := range pending {
		seq++
		// j.LamportClock was computed as max(oldLocal, received)+1 when the
		// entry was staged; j.LamportClock-1 is always >= the received input
		// that went into it, so reusing it as the Update input here preserves
		// cross-context causal ordering against the fresh base.
		var priorInput uint64
		if j.LamportClock > 0 {
			priorInput = j.LamportClock - 1
		}
		newLamport := clock.Update(priorInput)
		e := fromJSONEntry(j)
		e.Sequence = seq
		e.LamportClock = newLamport
		e.ContentHash = hashing.HashEntry(e.ContextID, e.Key, e.Payload, e.Sequence, e.AppendedAtNS)
		out[i] = toJSONEntry(e)
	}
	return out, seq, clock
}

func filterEntries(all []storage.Entry, opts storage.GetOptions) []storage.Entry {
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
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

type txn struct {
	t         *Tables
	ctx       context.Context
	contextID string

	generation int64
	sequence   uint64
	lamport    lamport.Clock
	committed  []jsonEntry
	pending    []jsonEntry

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
	tx.pending = append(tx.pending, toJSONEntry(e))
	return nil
}

func (tx *txn) Entries(opts storage.GetOptions) ([]storage.Entry, uint64, error) {
	if tx.done {
		return nil, 0, ledgererr.New(ledgererr.GetFailed, "transaction already finished")
	}
	all := make([]storage.Entry, 0, len(tx.committed)+len(tx.pending))
	for _, j := range tx.committed {
		all = append(all, fromJSONEntry(j))
	}
	for _, j := range tx.pending {
		all = append(all, fromJSONEntry(j))
	}
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

// Commit writes the accumulated state back with a generation-match
// precondition, retrying the whole read-reapply-write cycle on conflict.
func (tx *txn) Commit() error {
	if tx.done {
		return ledgererr.New(ledgererr.Internal, "transaction already finished")
	}
	tx.done = true

	o := object{
		Sequence: tx.sequence,
		Lamport:  tx.lamport.Current(),
		Entries:  append(append([]jsonEntry{}, tx.committed...), tx.pending...),
	}

	err := retry.Do(
		func() error {
			werr := tx.t.write(tx.ctx, tx.contextID, tx.generation, o)
			if werr == nil {
				return nil
			}
			if !isPreconditionFailed(werr) {
				return retry.Unrecoverable(werr)
			}
			fresh, gen, rerr := tx.t.read(tx.ctx, tx.contextID)
			if rerr != nil {
				return retry.Unrecoverable(rerr)
			}
			tx.generation = gen
			// A racing writer may have landed entries at the sequence and
			// Lamport values tx.pending was originally staged against;
			// renumber against the fresh base before retrying so the two
			// writers' entries can never collide.
			renumbered, seq, clock := renumberAgainst(tx.pending, fresh.Sequence, fresh.Lamport)
			tx.pending = renumbered
			tx.sequence = seq
			tx.lamport = clock
			o.Entries = append(append([]jsonEntry{}, fresh.Entries...), tx.pending...)
			o.Sequence = tx.sequence
			o.Lamport = tx.lamport.Current()
			return werr
		},
		retry.Attempts(tx.t.attempts),
		retry.Context(tx.ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isPreconditionFailed),
	)
	if err != nil {
		return ledgererr.Wrap(ledgererr.AppendFailed, "commit", err)
	}
	return nil
}

func (tx *txn) Abort() error {
	tx.done = true
	return nil
}
