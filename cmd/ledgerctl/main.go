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

// ledgerctl is a command line client for a running ledgerd: append, get,
// snapshot, load and watch a context from the shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/converge-io/ledger/internal/transport"
)

var addr = flag.String("addr", "localhost:50051", "ledgerd address")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		klog.Exit("usage: ledgerctl [-addr=host:port] <append|get|snapshot|load|watch> ...")
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
	if err != nil {
		klog.Exitf("dialing %s: %v", *addr, err)
	}
	defer conn.Close()
	client := transport.NewLedgerClient(conn)

	ctx := context.Background()
	cmd, rest := args[0], args[1:]
	var cmdErr error
	switch cmd {
	case "append":
		cmdErr = runAppend(ctx, client, rest)
	case "get":
		cmdErr = runGet(ctx, client, rest)
	case "snapshot":
		cmdErr = runSnapshot(ctx, client, rest)
	case "load":
		cmdErr = runLoad(ctx, client, rest)
	case "watch":
		cmdErr = runWatch(ctx, client, rest)
	default:
		klog.Exitf("unknown command %q", cmd)
	}
	if cmdErr != nil {
		klog.Exitf("%s: %v", cmd, cmdErr)
	}
}

func runAppend(ctx context.Context, client transport.LedgerClient, args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	key := fs.String("key", "", "entry key")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: append [-key=k] <context> <payload>")
	}
	resp, err := client.Append(ctx, &transport.AppendRequest{
		ContextID: fs.Arg(0),
		Key:       *key,
		Payload:   []byte(fs.Arg(1)),
	})
	if err != nil {
		return err
	}
	fmt.Printf("sequence=%d lamport=%d id=%s content_hash=%s\n",
		resp.Entry.Sequence, resp.Entry.LamportClock, resp.Entry.ID, resp.Entry.ContentHash)
	return nil
}

func runGet(ctx context.Context, client transport.LedgerClient, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	key := fs.String("key", "", "filter by key (empty means no filter)")
	after := fs.Uint64("after", 0, "only entries with sequence > after")
	limit := fs.Uint64("limit", 0, "max entries to return (0 means unlimited)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: get [-key=k] [-after=n] [-limit=n] <context>")
	}
	req := &transport.GetRequest{ContextID: fs.Arg(0), AfterSequence: *after, Limit: *limit}
	if *key != "" {
		req.Key = key
	}
	resp, err := client.Get(ctx, req)
	if err != nil {
		return err
	}
	for _, e := range resp.Entries {
		fmt.Printf("%d\t%s\t%s\n", e.Sequence, e.Key, e.Payload)
	}
	fmt.Fprintf(os.Stderr, "latest_sequence=%d\n", resp.LatestSequence)
	return nil
}

func runSnapshot(ctx context.Context, client transport.LedgerClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: snapshot <context> > file")
	}
	resp, err := client.Snapshot(ctx, &transport.SnapshotRequest{ContextID: args[0]})
	if err != nil {
		return err
	}
	if _, err := os.Stdout.Write(resp.Blob); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "entries=%d version=%d merkle_root=%s\n",
		resp.Metadata.EntryCount, resp.Metadata.Version, resp.Metadata.MerkleRootHex)
	return nil
}

func runLoad(ctx context.Context, client transport.LedgerClient, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	failIfExists := fs.Bool("fail-if-exists", false, "reject load if the target context already has entries")
	verify := fs.Bool("verify", true, "verify the snapshot's merkle root before loading")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: load [-fail-if-exists] [-verify] <context> < file")
	}
	blob, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	resp, err := client.Load(ctx, &transport.LoadRequest{
		ContextID:       fs.Arg(0),
		Blob:            blob,
		FailIfExists:    *failIfExists,
		VerifyIntegrity: *verify,
	})
	if err != nil {
		return err
	}
	fmt.Printf("entries_restored=%d latest_sequence=%d\n", resp.EntriesRestored, resp.LatestSequence)
	return nil
}

func runWatch(ctx context.Context, client transport.LedgerClient, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	key := fs.String("key", "", "filter by key (empty means no filter)")
	from := fs.Uint64("from", 0, "catch up from this sequence")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: watch [-key=k] [-from=n] <context>")
	}
	req := &transport.WatchRequest{ContextID: fs.Arg(0), FromSequence: *from}
	if *key != "" {
		req.Key = key
	}
	stream, err := client.Watch(ctx, req)
	if err != nil {
		return err
	}
	for {
		m, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%d\t%s\t%s\n", m.Entry.Sequence, m.Entry.Key, m.Entry.Payload)
	}
}
