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

// Package hashing provides the SHA-256 primitives and the canonical entry
// framing used to compute an Entry's content hash.
//
// Framing uses protobuf's wire-format primitives (protowire) purely for
// their length-prefixing guarantees: every field is tagged and
// length-delimited, so two distinct field tuples can never collide on the
// same byte string. This is not a protobuf schema and nothing here is
// decoded by a generated message type.
package hashing

import (
	"crypto/sha256"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers used purely to disambiguate framing; these are not part of
// any .proto schema and never leave this package.
const (
	fieldContextID fieldNum = 1
	fieldKey       fieldNum = 2
	fieldPayload   fieldNum = 3
	fieldSequence  fieldNum = 4
	fieldAppendsAt fieldNum = 5
)

type fieldNum = protowire.Number

// Size is the length in bytes of a content hash.
const Size = sha256.Size

// Hash is the raw SHA-256 primitive.
func Hash(b []byte) [Size]byte {
	return sha256.Sum256(b)
}

// Combine is the Merkle internal-node rule: hash(left || right).
func Combine(left, right [Size]byte) [Size]byte {
	buf := make([]byte, 0, 2*Size)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return Hash(buf)
}

// HashEntry computes the content hash of an entry's semantic fields.
//
// Deliberately excluded: id (random, not semantic), metadata (auxiliary),
// lamport_clock and content_hash itself (not semantic content). Including
// only these five fields and framing each with a tag + length prefix
// guarantees that no two distinct (contextID, key, payload, sequence,
// appendedAtNS) tuples can produce the same framed byte string.
func HashEntry(contextID, key string, payload []byte, sequence uint64, appendedAtNS int64) [Size]byte {
	b := frame(contextID, key, payload, sequence, appendedAtNS)
	return Hash(b)
}

func frame(contextID, key string, payload []byte, sequence uint64, appendedAtNS int64) []byte {
	b := make([]byte, 0, 32+len(contextID)+len(key)+len(payload))
	b = protowire.AppendTag(b, fieldContextID, protowire.BytesType)
	b = protowire.AppendString(b, contextID)
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, sequence)
	b = protowire.AppendTag(b, fieldAppendsAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(appendedAtNS))
	return b
}
