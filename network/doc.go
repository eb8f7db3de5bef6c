// Package network provides the message transport consumed by the
// consensus core.
//
// This package implements:
//   - Transport: the broadcast/send/handler contract
//   - ZmqTransport: ZeroMQ ROUTER/DEALER transport for deployments
//   - InprocBus: in-process transport for tests and simulation
package network
