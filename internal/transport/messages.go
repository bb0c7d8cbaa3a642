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

// Package transport exposes the Store over gRPC: five RPCs (Append, Get,
// Snapshot, Load unary, Watch server-streaming) whose wire messages are
// plain Go structs carried by a small JSON codec rather than generated
// .pb.go stubs. See DESIGN.md for why.
package transport

import (
	"encoding/hex"

	"github.com/converge-io/ledger"
)

// EntryMessage is the wire form of ledger.Entry. ContentHash travels as a
// hex string so it round-trips through JSON without surprises.
type EntryMessage struct {
	ID           string            `json:"id"`
	ContextID    string            `json:"context_id"`
	Key          string            `json:"key"`
	Payload      []byte            `json:"payload"`
	Sequence     uint64            `json:"sequence"`
	AppendedAtNS int64             `json:"appended_at_ns"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LamportClock uint64            `json:"lamport_clock"`
	ContentHash  string            `json:"content_hash"`
}

func toEntryMessage(e ledger.Entry) EntryMessage {
	return EntryMessage{
		ID:           e.ID,
		ContextID:    e.ContextID,
		Key:          e.Key,
		Payload:      e.Payload,
		Sequence:     e.Sequence,
		AppendedAtNS: e.AppendedAtNS,
		Metadata:     e.Metadata,
		LamportClock: e.LamportClock,
		ContentHash:  hex.EncodeToString(e.ContentHash[:]),
	}
}

// AppendRequest is the Append RPC's argument.
type AppendRequest struct {
	ContextID string            `json:"context_id"`
	Key       string            `json:"key"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AppendResponse is the Append RPC's result.
type AppendResponse struct {
	Entry EntryMessage `json:"entry"`
}

// GetRequest is the Get RPC's argument. Key is a pointer so that an absent
// filter is distinguishable from an empty-string key filter.
type GetRequest struct {
	ContextID     string  `json:"context_id"`
	Key           *string `json:"key,omitempty"`
	AfterSequence uint64  `json:"after_sequence,omitempty"`
	Limit         uint64  `json:"limit,omitempty"`
}

// GetResponse is the Get RPC's result.
type GetResponse struct {
	Entries        []EntryMessage `json:"entries"`
	LatestSequence uint64         `json:"latest_sequence"`
}

// SnapshotRequest is the Snapshot RPC's argument.
type SnapshotRequest struct {
	ContextID string `json:"context_id"`
}

// SnapshotMetadataMessage is the wire form of ledger.SnapshotMetadata.
type SnapshotMetadataMessage struct {
	CreatedAtNS   int64  `json:"created_at_ns"`
	EntryCount    int    `json:"entry_count"`
	Version       uint64 `json:"version"`
	MerkleRootHex string `json:"merkle_root_hex"`
}

// SnapshotResponse is the Snapshot RPC's result.
type SnapshotResponse struct {
	Blob     []byte                  `json:"blob"`
	Sequence uint64                  `json:"sequence"`
	Metadata SnapshotMetadataMessage `json:"metadata"`
}

// LoadRequest is the Load RPC's argument.
type LoadRequest struct {
	ContextID       string `json:"context_id"`
	Blob            []byte `json:"blob"`
	FailIfExists    bool   `json:"fail_if_exists"`
	VerifyIntegrity bool   `json:"verify_integrity"`
}

// LoadResponse is the Load RPC's result.
type LoadResponse struct {
	EntriesRestored int    `json:"entries_restored"`
	LatestSequence  uint64 `json:"latest_sequence"`
}

// WatchRequest is the Watch RPC's argument.
type WatchRequest struct {
	ContextID    string  `json:"context_id"`
	Key          *string `json:"key,omitempty"`
	FromSequence uint64  `json:"from_sequence,omitempty"`
}

// WatchResponse is one message of the Watch RPC's response stream.
type WatchResponse struct {
	Entry EntryMessage `json:"entry"`
}
