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

// ledger-hammer generates sustained synthetic Append traffic against a
// ledgerd to exercise it under load, following the shape of the teacher's
// own log-hammering tool (internal/hammer/loadtest) adapted to Append
// instead of sequence/integrate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/converge-io/ledger/internal/loadgen"
	"github.com/converge-io/ledger/internal/transport"
)

var (
	addr         = flag.String("addr", "localhost:50051", "ledgerd address")
	contexts     = flag.Int("contexts", 8, "number of distinct contexts to append to concurrently")
	opsPerSecond = flag.Int("ops_per_second", 50, "target total append rate across all contexts")
	payloadBytes = flag.Int("payload_bytes", 256, "size of each generated payload")
	duration     = flag.Duration("duration", 0, "stop after this long; 0 means run until interrupted")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
	if err != nil {
		klog.Exitf("dialing %s: %v", *addr, err)
	}
	defer conn.Close()
	client := transport.NewLedgerClient(conn)

	analyser := loadgen.NewAnalyser()
	analyser.Run(ctx)

	perContextRate := *opsPerSecond / max(*contexts, 1)
	throttles := make([]*loadgen.Throttle, *contexts)
	for i := 0; i < *contexts; i++ {
		contextID := fmt.Sprintf("hammer-%d", i)
		throttle := loadgen.NewThrottle(perContextRate)
		throttles[i] = throttle
		go throttle.Run(ctx)

		pool := loadgen.NewWorkerPool(loadgen.NewAppendWorker(client, analyser, throttle, contextID, *payloadBytes))
		pool.Grow(ctx)
	}

	report(ctx, analyser, throttles)
}

func report(ctx context.Context, analyser *loadgen.Analyser, throttles []*loadgen.Throttle) {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			klog.Info("ledger-hammer stopping")
			return
		case <-tick.C:
			klog.Infof("mean append latency: %.1fms", analyser.AppendLatency.Avg())
			for i, t := range throttles {
				klog.V(1).Infof("context %d: %s", i, t)
			}
		}
	}
}
