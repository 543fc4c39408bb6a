package tlsecho

import (
	"fmt"
	"sync/atomic"

	gjson "github.com/goccy/go-json"
)

// counters are the per-session tallies. They are owned
// by the session goroutine alone, so need no locking
// until folded into Stats at teardown.
type counters struct {
	readOps  uint64
	writeOps uint64
	bytesIn  uint64
	bytesOut uint64
}

// Stats aggregates counters across every session a
// Server has ever run. Each session folds in exactly
// once, at teardown. Totals only grow. A concurrent
// reader may see one session's fold half applied;
// totals are eventually, not snapshot, consistent.
type Stats struct {
	readOps  atomic.Uint64
	writeOps atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	sessions atomic.Uint64
	exits    [numExitReasons]atomic.Uint64
}

func (s *Stats) fold(c *counters, reason ExitReason) {
	s.readOps.Add(c.readOps)
	s.writeOps.Add(c.writeOps)
	s.bytesIn.Add(c.bytesIn)
	s.bytesOut.Add(c.bytesOut)
	s.sessions.Add(1)
	if reason >= 0 && reason < numExitReasons {
		s.exits[reason].Add(1)
	}
}

// StatsSnapshot is a plain copy of Stats for reporting.
type StatsSnapshot struct {
	ReadOps  uint64 `json:"reads"`
	WriteOps uint64 `json:"writes"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`

	// Sessions is the number of sessions folded in.
	Sessions uint64 `json:"sessions"`

	// Exits counts sessions by ExitReason.String().
	Exits map[string]uint64 `json:"exits"`
}

// Snapshot loads each counter once.
func (s *Stats) Snapshot() (r StatsSnapshot) {
	r.ReadOps = s.readOps.Load()
	r.WriteOps = s.writeOps.Load()
	r.BytesIn = s.bytesIn.Load()
	r.BytesOut = s.bytesOut.Load()
	r.Sessions = s.sessions.Load()
	r.Exits = make(map[string]uint64)
	for i := range s.exits {
		if n := s.exits[i].Load(); n > 0 {
			r.Exits[ExitReason(i).String()] = n
		}
	}
	return
}

// JSON renders the snapshot for the diagnostics surface.
func (r StatsSnapshot) JSON() ([]byte, error) {
	return gjson.Marshal(r)
}

func (r StatsSnapshot) String() string {
	return fmt.Sprintf("StatsSnapshot{reads: %v, writes: %v, bytesIn: %v, bytesOut: %v, sessions: %v, exits: %v}",
		r.ReadOps, r.WriteOps, r.BytesIn, r.BytesOut, r.Sessions, r.Exits)
}
