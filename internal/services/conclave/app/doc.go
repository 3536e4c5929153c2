// Package server hosts the conclave HTTP/WebSocket surface and its gRPC
// health endpoint.
//
// The WebSocket handler authenticates each connection with a join grant,
// attaches it to the media transport as a delivery sink and translates
// frames into facade calls. Session events reach peers through the Hub.
package server
