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

// ledgerd runs the Converge Ledger gRPC server: an append-only,
// non-authoritative context store reachable over LedgerService. Storage
// backend and listen address are configured entirely through the
// environment; see internal/config.
package main

import (
	"context"
	"flag"
	"net"
	"os/signal"
	"syscall"

	gcsapi "cloud.google.com/go/storage"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/converge-io/ledger"
	"github.com/converge-io/ledger/internal/config"
	"github.com/converge-io/ledger/internal/storage"
	gcsstorage "github.com/converge-io/ledger/internal/storage/gcs"
	"github.com/converge-io/ledger/internal/telemetry"
	"github.com/converge-io/ledger/internal/transport"
	"github.com/converge-io/ledger/internal/watch"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	meter, shutdownTelemetry, err := telemetry.Setup(ctx)
	if err != nil {
		klog.Exitf("telemetry.Setup: %v", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			klog.Errorf("telemetry shutdown: %v", err)
		}
	}()

	tables, err := openTables(ctx, cfg)
	if err != nil {
		klog.Exitf("opening storage backend: %v", err)
	}

	store, err := ledger.Open(ledger.Options{
		Tables:          tables,
		Registry:        watch.NewRegistry(cfg.WatchBufferSize),
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		TxnTimeout:      cfg.TxnTimeout,
		Meter:           meter,
	})
	if err != nil {
		klog.Exitf("ledger.Open: %v", err)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		klog.Exitf("net.Listen(%q): %v", cfg.ListenAddr, err)
	}

	srv := grpc.NewServer()
	transport.RegisterLedgerServer(srv, transport.NewServer(store, cfg.WatchBufferSize))

	go func() {
		<-ctx.Done()
		klog.Info("shutdown signal received, draining RPCs")
		srv.GracefulStop()
	}()

	klog.Infof("ledgerd listening on %s (durable=%v)", cfg.ListenAddr, cfg.Durable())
	if err := srv.Serve(lis); err != nil {
		klog.Exitf("grpc.Serve: %v", err)
	}
}

// openTables returns nil (Store falls back to its in-memory default) unless
// a GCS bucket is configured, in which case it returns the durable backend.
func openTables(ctx context.Context, cfg config.Config) (storage.Tables, error) {
	if !cfg.Durable() {
		return nil, nil
	}
	client, err := gcsapi.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket}), nil
}
