// Package telemetry implements the event hub for the arm control container.
//
// The hub fans decoded state, safety, and engine events out to SSE clients
// and in-process watchers, buffering the last N events for reconnection
// support using Last-Event-ID headers.
package telemetry
