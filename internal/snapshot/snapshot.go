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

// Package snapshot implements the versioned, self-describing snapshot blob
// format: a small varint header (version, entry count) followed by a
// zstd-compressed, length-prefixed sequence of entries.
//
// Decoding is fail-closed: the version is checked, and rejected if
// unsupported, before any entry bytes are touched, so a corrupt or
// adversarial blob of an unknown version can never reach the entry decoder.
// Entries are framed with protowire's low-level Append/Consume primitives
// for the same reason internal/hashing uses them: a length-prefixed,
// schema-less wire format, not a compiled .proto message.
package snapshot

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/converge-io/ledger/internal/ledgererr"
	"github.com/converge-io/ledger/internal/storage"
)

// CurrentVersion is the snapshot format version produced by Encode.
const CurrentVersion = 2

// legacyVersion is the oldest format Decode will still accept: it has no
// trailing Merkle root, Decode sets its entries' Metadata to nil, and an
// entry's LamportClock and ContentHash decode to zero when its frame omits
// them.
const legacyVersion = 1

const (
	fieldID           protowire.Number = 1
	fieldContextID    protowire.Number = 2
	fieldKey          protowire.Number = 3
	fieldPayload      protowire.Number = 4
	fieldSequence     protowire.Number = 5
	fieldAppendedAtNS protowire.Number = 6
	fieldMetadata     protowire.Number = 7
	fieldLamportClock protowire.Number = 8
	fieldContentHash  protowire.Number = 9
)

const metadataKeyField protowire.Number = 1
const metadataValField protowire.Number = 2

// Snapshot is a decoded snapshot: the entries of one context at the moment
// it was taken, plus the Merkle root computed over them.
type Snapshot struct {
	ContextID string
	Entries   []storage.Entry
	Root      [32]byte
}

// Encode serializes entries (already in ascending sequence order) and their
// Merkle root into the current snapshot wire format.
func Encode(entries []storage.Entry, root [32]byte) ([]byte, error) {
	var payload []byte
	for _, e := range entries {
		frame := encodeEntry(e)
		payload = protowire.AppendVarint(payload, uint64(len(frame)))
		payload = append(payload, frame...)
	}
	payload = append(payload, root[:]...)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.SnapshotFailed, "create compressor", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	if err := enc.Close(); err != nil {
		return nil, ledgererr.Wrap(ledgererr.SnapshotFailed, "close compressor", err)
	}

	var out []byte
	out = protowire.AppendVarint(out, CurrentVersion)
	out = protowire.AppendVarint(out, uint64(len(entries)))
	out = append(out, compressed...)
	return out, nil
}

// Decoded is the result of a successful Decode: the entries, the format
// version the blob was written with, and (version 2 only) the Merkle root
// recorded at snapshot time. HasRoot is false for version 1 blobs, which
// never carried a root and are accepted for load without an integrity
// check, per the legacy-format contract.
type Decoded struct {
	Entries []storage.Entry
	Version uint64
	Root    [32]byte
	HasRoot bool
}

// Decode parses a snapshot blob back into entries. It returns
// ledgererr.UnsupportedSnapshotVersion for a version newer than this binary
// understands, and ledgererr.InvalidSnapshotFormat for any structural
// corruption, without attempting to interpret the entry bytes in either
// case.
func Decode(blob []byte) (Decoded, error) {
	version, rest, ok := protowire.ConsumeVarint(blob)
	if !ok {
		return Decoded{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "missing version header")
	}
	if version != CurrentVersion && version != legacyVersion {
		return Decoded{}, ledgererr.New(ledgererr.UnsupportedSnapshotVersion, fmt.Sprintf("unsupported snapshot version %d", version))
	}

	count, rest, ok := protowire.ConsumeVarint(rest)
	if !ok {
		return Decoded{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "missing entry count header")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Decoded{}, ledgererr.Wrap(ledgererr.InvalidSnapshotFormat, "create decompressor", err)
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(rest, nil)
	if err != nil {
		return Decoded{}, ledgererr.Wrap(ledgererr.InvalidSnapshotFormat, "decompress payload", err)
	}

	entries := make([]storage.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		frameLen, tail, ok := protowire.ConsumeVarint(payload)
		if !ok || frameLen > uint64(len(tail)) {
			return Decoded{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "truncated entry frame")
		}
		frame := tail[:frameLen]
		payload = tail[frameLen:]

		e, err := decodeEntry(frame, version)
		if err != nil {
			return Decoded{}, err
		}
		entries = append(entries, e)
	}

	result := Decoded{Entries: entries, Version: version}
	switch {
	case version == legacyVersion && len(payload) == 0:
		// legacy blobs carry no root at all.
	case len(payload) == 32:
		copy(result.Root[:], payload)
		result.HasRoot = true
	default:
		return Decoded{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "trailing bytes after declared entry count")
	}
	return result, nil
}

func encodeEntry(e storage.Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = protowire.AppendTag(b, fieldContextID, protowire.BytesType)
	b = protowire.AppendString(b, e.ContextID)
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, e.Key)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Sequence)
	b = protowire.AppendTag(b, fieldAppendedAtNS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.AppendedAtNS))
	for k, v := range e.Metadata {
		var m []byte
		m = protowire.AppendTag(m, metadataKeyField, protowire.BytesType)
		m = protowire.AppendString(m, k)
		m = protowire.AppendTag(m, metadataValField, protowire.BytesType)
		m = protowire.AppendString(m, v)
		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	b = protowire.AppendTag(b, fieldLamportClock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.LamportClock)
	b = protowire.AppendTag(b, fieldContentHash, protowire.BytesType)
	b = protowire.AppendBytes(b, e.ContentHash[:])
	return b
}

func decodeEntry(frame []byte, version uint64) (storage.Entry, error) {
	var e storage.Entry
	var metadata map[string]string
	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return storage.Entry{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "malformed field tag")
		}
		frame = frame[n:]

		switch num {
		case fieldID, fieldContextID, fieldKey, fieldPayload, fieldMetadata, fieldContentHash:
			v, n := protowire.ConsumeBytes(frame)
			if n < 0 {
				return storage.Entry{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "malformed bytes field")
			}
			frame = frame[n:]
			switch num {
			case fieldID:
				e.ID = string(v)
			case fieldContextID:
				e.ContextID = string(v)
			case fieldKey:
				e.Key = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			case fieldContentHash:
				if len(v) != 32 {
					return storage.Entry{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "content hash has wrong length")
				}
				copy(e.ContentHash[:], v)
			case fieldMetadata:
				k, val, err := decodeMetadataPair(v)
				if err != nil {
					return storage.Entry{}, err
				}
				if metadata == nil {
					metadata = make(map[string]string)
				}
				metadata[k] = val
			}
		case fieldSequence, fieldAppendedAtNS, fieldLamportClock:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return storage.Entry{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "malformed varint field")
			}
			frame = frame[n:]
			switch num {
			case fieldSequence:
				e.Sequence = v
			case fieldAppendedAtNS:
				e.AppendedAtNS = int64(v)
			case fieldLamportClock:
				e.LamportClock = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, frame)
			if n < 0 {
				return storage.Entry{}, ledgererr.New(ledgererr.InvalidSnapshotFormat, "malformed unknown field")
			}
			frame = frame[n:]
		}
	}
	if version == legacyVersion {
		// legacy blobs never carried metadata; leave it nil rather than
		// backfilling a value that was never recorded.
		metadata = nil
	}
	e.Metadata = metadata
	return e, nil
}

func decodeMetadataPair(b []byte) (string, string, error) {
	var key, val string
	for len(b) > 0 {
		num, _, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", ledgererr.New(ledgererr.InvalidSnapshotFormat, "malformed metadata tag")
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", "", ledgererr.New(ledgererr.InvalidSnapshotFormat, "malformed metadata value")
		}
		b = b[n:]
		switch num {
		case metadataKeyField:
			key = string(v)
		case metadataValField:
			val = string(v)
		}
	}
	return key, val, nil
}
