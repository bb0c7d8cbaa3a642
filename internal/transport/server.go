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

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/converge-io/ledger"
)

// Server adapts a *ledger.Store to LedgerServer.
type Server struct {
	store           *ledger.Store
	watchBufferSize int
}

// NewServer wraps store. watchBufferSize sizes the sequence-dedup cache
// used by Watch; if non-positive, 256 is used.
func NewServer(store *ledger.Store, watchBufferSize int) *Server {
	if watchBufferSize <= 0 {
		watchBufferSize = 256
	}
	return &Server{store: store, watchBufferSize: watchBufferSize}
}

func (s *Server) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	e, err := s.store.Append(ctx, req.ContextID, req.Key, req.Payload, req.Metadata)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AppendResponse{Entry: toEntryMessage(e)}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	opts := ledger.GetOptions{Key: req.Key, AfterSequence: req.AfterSequence, Limit: req.Limit}
	entries, latest, err := s.store.Get(ctx, req.ContextID, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Entries: toEntryMessages(entries), LatestSequence: latest}, nil
}

func (s *Server) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	res, err := s.store.Snapshot(ctx, req.ContextID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{
		Blob:     res.Blob,
		Sequence: res.Sequence,
		Metadata: SnapshotMetadataMessage{
			CreatedAtNS:   res.Metadata.CreatedAtNS,
			EntryCount:    res.Metadata.EntryCount,
			Version:       res.Metadata.Version,
			MerkleRootHex: res.Metadata.MerkleRootHex,
		},
	}, nil
}

func (s *Server) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	opts := ledger.LoadOptions{FailIfExists: req.FailIfExists, VerifyIntegrity: req.VerifyIntegrity}
	res, err := s.store.Load(ctx, req.ContextID, req.Blob, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LoadResponse{EntriesRestored: res.EntriesRestored, LatestSequence: res.LatestSequence}, nil
}

// Watch implements the catch-up-then-live algorithm: subscribe before doing
// anything else so no commit between subscribe and catch-up can be missed,
// stream the catch-up page from Store.Get, then drain the live subscription
// channel, de-duplicating by sequence against an LRU sized to the watch
// buffer capacity so an entry delivered once during catch-up is never sent
// again when it also arrives on the live channel.
func (s *Server) Watch(req *WatchRequest, stream LedgerService_WatchServer) error {
	ctx := stream.Context()
	_, ch, cancel := s.store.Watch().Subscribe(req.ContextID, req.Key)
	defer cancel()
	go func() {
		<-ctx.Done()
		cancel()
	}()

	seen, err := lru.New[uint64, struct{}](s.watchBufferSize)
	if err != nil {
		return toStatus(err)
	}

	opts := ledger.GetOptions{Key: req.Key, AfterSequence: req.FromSequence}
	entries, _, err := s.store.Get(ctx, req.ContextID, opts)
	if err != nil {
		return toStatus(err)
	}
	for _, e := range entries {
		if err := stream.Send(&WatchResponse{Entry: toEntryMessage(e)}); err != nil {
			return err
		}
		seen.Add(e.Sequence, struct{}{})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if _, ok := seen.Get(e.Sequence); ok {
				continue
			}
			if err := stream.Send(&WatchResponse{Entry: toEntryMessage(e)}); err != nil {
				return err
			}
			seen.Add(e.Sequence, struct{}{})
		}
	}
}

func toEntryMessages(entries []ledger.Entry) []EntryMessage {
	out := make([]EntryMessage, len(entries))
	for i, e := range entries {
		out[i] = toEntryMessage(e)
	}
	return out
}
