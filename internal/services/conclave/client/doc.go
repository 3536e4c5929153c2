// Package client is a Go client for conclave sessions. Mirror keeps a local
// copy of a session's shared state and reconciles optimistic local changes
// with server events; Conn drives a Mirror over the session WebSocket.
package client
