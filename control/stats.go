// File: control/stats.go
// Package control collects runtime counters for monitoring.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Counters are atomic so snapshots never block the I/O path.

package control

import "sync/atomic"

// Stats aggregates per-context traffic counters.
type Stats struct {
	ConnAccepted    atomic.Int64
	ConnClosed      atomic.Int64
	MsgIn           atomic.Int64
	MsgOut          atomic.Int64
	BytesIn         atomic.Int64
	BytesOut        atomic.Int64
	DatagramDropped atomic.Int64
}

// Snapshot returns the current counter values keyed by name.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"conn_accepted":    s.ConnAccepted.Load(),
		"conn_closed":      s.ConnClosed.Load(),
		"msg_in":           s.MsgIn.Load(),
		"msg_out":          s.MsgOut.Load(),
		"bytes_in":         s.BytesIn.Load(),
		"bytes_out":        s.BytesOut.Load(),
		"datagram_dropped": s.DatagramDropped.Load(),
	}
}
