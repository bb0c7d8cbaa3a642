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

// Package watch implements the subscription fan-out registry: one
// subscriber per live Watch call, grouped by context and optionally
// narrowed to a single key, notified with the actual entries committed
// to that context.
//
// Per-context notifications are coalesced with globocom/go-buffer before
// fan-out, the same way storage/internal/queue.go coalesces flushes: a
// burst of Append calls in the same context collapses into one wake-up per
// subscriber instead of one per append. Delivery to subscribers then runs
// concurrently, bounded by golang.org/x/sync/errgroup, with a drop-on-
// overflow policy per subscriber so one slow watcher cannot stall others or
// the writer that triggered the notification.
package watch

import (
	"strconv"
	"sync"
	"time"

	"github.com/globocom/go-buffer"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/converge-io/ledger/internal/storage"
)

// defaultBufferSize is the number of pending entries a subscriber can
// accumulate before delivery starts dropping for it.
const defaultBufferSize = 256

// coalesceMaxAge bounds how long a burst of appends to the same context can
// delay a subscriber's wake-up.
const coalesceMaxAge = 5 * time.Millisecond

// coalesceMaxSize caps how many appends accumulate into a single wake-up.
const coalesceMaxSize = 64

// Registry tracks live subscriptions, grouped by context, and coalesces and
// fans out committed entries to them.
type Registry struct {
	bufferSize int

	mu       sync.Mutex
	nextID   uint64
	contexts map[string]*contextFanout
}

// NewRegistry creates an empty Registry. bufferSize (if positive) overrides
// the default per-subscriber channel capacity.
func NewRegistry(bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Registry{bufferSize: bufferSize, contexts: make(map[string]*contextFanout)}
}

// contextFanout holds the subscribers and the coalescing buffer for a
// single context.
type contextFanout struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriberEntry
	pending     []storage.Entry
	buf         *buffer.Buffer
}

// subscriberEntry is one live subscription: keyFilter is nil for "all keys
// in this context," or a pointer to the single key this subscriber wants.
type subscriberEntry struct {
	ch        chan storage.Entry
	keyFilter *string

	mu      sync.Mutex
	dropped uint64
}

func (e *subscriberEntry) matches(entry storage.Entry) bool {
	return e.keyFilter == nil || *e.keyFilter == entry.Key
}

func (e *subscriberEntry) recordDrop() {
	e.mu.Lock()
	e.dropped++
	e.mu.Unlock()
}

func (e *subscriberEntry) droppedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (r *Registry) fanoutFor(contextID string) *contextFanout {
	r.mu.Lock()
	defer r.mu.Unlock()
	cf, ok := r.contexts[contextID]
	if ok {
		return cf
	}
	cf = &contextFanout{subscribers: make(map[uint64]*subscriberEntry)}
	toWork := func(items []interface{}) {
		cf.deliver()
	}
	cf.buf = buffer.New(
		buffer.WithSize(coalesceMaxSize),
		buffer.WithFlushInterval(coalesceMaxAge),
		buffer.WithFlusher(buffer.FlusherFunc(toWork)),
	)
	r.contexts[contextID] = cf
	return cf
}

// Subscribe registers a new subscription for contextID, optionally narrowed
// to entries whose Key equals *keyFilter. It returns a reference to pass to
// Unsubscribe, the channel entries arrive on, and a cancel func the caller
// must invoke (directly, or via its own context's Done channel) when it is
// done watching; Unsubscribe and cancel are equivalent and both idempotent.
func (r *Registry) Subscribe(contextID string, keyFilter *string) (ref string, ch <-chan storage.Entry, cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	cf := r.fanoutFor(contextID)
	sch := make(chan storage.Entry, r.bufferSize)
	entry := &subscriberEntry{ch: sch, keyFilter: keyFilter}

	cf.mu.Lock()
	cf.subscribers[id] = entry
	cf.mu.Unlock()

	ref = strconv.FormatUint(id, 10)
	return ref, sch, func() { r.Unsubscribe(contextID, ref) }
}

// Unsubscribe removes the subscription identified by (contextID, ref) and
// closes its channel. Safe to call more than once.
func (r *Registry) Unsubscribe(contextID, ref string) {
	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		return
	}
	r.mu.Lock()
	cf, ok := r.contexts[contextID]
	r.mu.Unlock()
	if !ok {
		return
	}
	cf.mu.Lock()
	entry, ok := cf.subscribers[id]
	if ok {
		delete(cf.subscribers, id)
	}
	cf.mu.Unlock()
	if ok {
		close(entry.ch)
	}
}

// Close flushes and closes every context's coalescing buffer. Subscribers
// are not explicitly unsubscribed; callers should invoke their own cancel
// funcs separately.
func (r *Registry) Close() error {
	r.mu.Lock()
	contexts := make([]*contextFanout, 0, len(r.contexts))
	for _, cf := range r.contexts {
		contexts = append(contexts, cf)
	}
	r.mu.Unlock()

	var firstErr error
	for _, cf := range contexts {
		if err := cf.buf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubscriberCount returns the number of live subscriptions for contextID.
func (r *Registry) SubscriberCount(contextID string) int {
	r.mu.Lock()
	cf, ok := r.contexts[contextID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return len(cf.subscribers)
}

// DroppedCount returns, for tests, the number of entries dropped for the
// subscription identified by (contextID, ref) because its channel was full.
func (r *Registry) DroppedCount(contextID, ref string) uint64 {
	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	cf, ok := r.contexts[contextID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	cf.mu.Lock()
	entry, ok := cf.subscribers[id]
	cf.mu.Unlock()
	if !ok {
		return 0
	}
	return entry.droppedCount()
}

// Notify informs the registry that e has committed. The actual fan-out to
// subscribers is coalesced and happens asynchronously; each subscriber only
// receives e if its key filter is nil or matches e.Key.
func (r *Registry) Notify(e storage.Entry) {
	cf := r.fanoutFor(e.ContextID)
	cf.mu.Lock()
	cf.pending = append(cf.pending, e)
	cf.mu.Unlock()
	if err := cf.buf.Push(struct{}{}); err != nil {
		klog.Warningf("watch: coalescing buffer push for context %q: %v", e.ContextID, err)
		cf.deliver()
	}
}

// deliver fans the pending entries out to every live subscriber for this
// context, in commit order, concurrently across subscribers, dropping any
// entry a subscriber's channel has no room for rather than blocking.
func (cf *contextFanout) deliver() {
	cf.mu.Lock()
	pending := cf.pending
	cf.pending = nil
	subscribers := make([]*subscriberEntry, 0, len(cf.subscribers))
	for _, e := range cf.subscribers {
		subscribers = append(subscribers, e)
	}
	cf.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(16)
	for _, sub := range subscribers {
		sub := sub
		g.Go(func() error {
			for _, entry := range pending {
				if !sub.matches(entry) {
					continue
				}
				select {
				case sub.ch <- entry:
				default:
					sub.recordDrop()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
