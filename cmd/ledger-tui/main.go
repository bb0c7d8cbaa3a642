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

// ledger-tui watches a single context on a running ledgerd and renders
// arriving entries live, in the style of the teacher's own hammer TUI
// (internal/hammer/loadtest/tui.go).
package main

import (
	"context"
	"flag"
	"io"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/converge-io/ledger/internal/transport"
	"github.com/converge-io/ledger/internal/tui"
)

var (
	addr      = flag.String("addr", "localhost:50051", "ledgerd address")
	contextID = flag.String("context", "", "context to watch (required)")
	key       = flag.String("key", "", "only watch this key within the context; empty means all keys")
	from      = flag.Uint64("from", 0, "watch entries after this sequence")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *contextID == "" {
		klog.Exit("-context is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
	if err != nil {
		klog.Exitf("dialing %s: %v", *addr, err)
	}
	defer conn.Close()
	client := transport.NewLedgerClient(conn)

	req := &transport.WatchRequest{ContextID: *contextID, FromSequence: *from}
	if *key != "" {
		req.Key = key
	}
	stream, err := client.Watch(ctx, req)
	if err != nil {
		klog.Exitf("watch %s: %v", *contextID, err)
	}

	entries := make(chan transport.EntryMessage)
	go pump(ctx, stream, entries)

	c := tui.NewController(*contextID, stop)
	c.Run(ctx, entries)
}

func pump(ctx context.Context, stream transport.LedgerService_WatchClient, out chan<- transport.EntryMessage) {
	defer close(out)
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			klog.Errorf("watch stream: %v", err)
			return
		}
		select {
		case out <- resp.Entry:
		case <-ctx.Done():
			return
		}
	}
}
