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

// Package config loads cmd/ledgerd's settings from the environment,
// following the same flag-with-environment-fallback shape
// cmd/posix-oneshot/main.go uses for its key file flags: each setting has a
// sensible default, is overridable by an LEDGER_* environment variable, and
// the OTEL_* family passes straight through to autoexport/autoprop
// untouched.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds cmd/ledgerd's runtime settings.
type Config struct {
	ListenAddr      string
	DataDir         string
	MaxPayloadBytes int
	GCSBucket       string
	WatchBufferSize int
	TxnTimeout      time.Duration
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() Config {
	return Config{
		ListenAddr:      getEnv("LEDGER_LISTEN_ADDR", ":50051"),
		DataDir:         getEnv("LEDGER_DATA_DIR", "./data"),
		MaxPayloadBytes: getEnvInt("LEDGER_MAX_PAYLOAD_BYTES", 4*1024*1024),
		GCSBucket:       os.Getenv("LEDGER_GCS_BUCKET"),
		WatchBufferSize: getEnvInt("LEDGER_WATCH_BUFFER_SIZE", 256),
		TxnTimeout:      getEnvDuration("LEDGER_TXN_TIMEOUT", 5*time.Second),
	}
}

// Durable reports whether a GCS-backed durable store was configured.
func (c Config) Durable() bool {
	return c.GCSBucket != ""
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
