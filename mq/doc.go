// Package mq provides socket-style messaging endpoints over ZeroMQ.
//
// This package implements:
//   - Context: owner of the I/O workers and of every socket
//   - Socket: PAIR, PUB/SUB, REQ/REP, DEALER/ROUTER and PUSH/PULL endpoints
//     with bounded queues, blocking and non-blocking send/recv
//   - Poller: readiness multiplexing over many sockets
//   - Device: queue, forwarder and streamer relays with an optional monitor
//
// The wire protocol is handled by github.com/go-zeromq/zmq4; endpoints use
// the tcp://, ipc:// and inproc:// transports.
package mq
