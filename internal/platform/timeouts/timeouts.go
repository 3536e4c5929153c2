// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values keeps transport and storage budgets discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// StoreWrite caps a single durable store write issued on behalf of a
// participant action.
const StoreWrite = 3 * time.Second

// TransportCall caps a single media transport permission or metadata call.
const TransportCall = 2 * time.Second
