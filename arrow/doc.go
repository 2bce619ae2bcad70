// Package arrow carries Apache Arrow record batches over mq sockets.
// This package implements:
// - Codec: record batches as an Arrow IPC stream in a single message frame,
//   optionally behind a topic frame for PUB/SUB filtering
// - Probe schema used by the stress tool to measure latency
package arrow
