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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/converge-io/ledger"
)

// toStatus translates a Store/Watch error into the gRPC status it should
// surface as, per the error kind table. Errors not recognized as a
// ledger.Kind are reported as Internal rather than leaking implementation
// detail to the client.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case ledger.Is(err, ledger.ContextAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case ledger.Is(err, ledger.InvalidSnapshotFormat):
		return status.Error(codes.InvalidArgument, err.Error())
	case ledger.Is(err, ledger.UnsupportedSnapshotVersion):
		return status.Error(codes.InvalidArgument, err.Error())
	case ledger.Is(err, ledger.IntegrityVerificationFailed):
		return status.Error(codes.DataLoss, err.Error())
	case ledger.Is(err, ledger.HashMismatch):
		return status.Error(codes.DataLoss, err.Error())
	case ledger.Is(err, ledger.PayloadTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
