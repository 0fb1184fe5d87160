package peer

import (
	"net"
	"time"

	"stepsync/protocol"
)

// Peer is one tracked remote endpoint. The server keeps one per client, a
// client keeps one for its server, the connector keeps one per registrant.
// A Peer belongs to exactly one Table and is never shared across processes.
type Peer struct {
	ID       string
	Name     string
	Addr     *net.UDPAddr
	LastSeen time.Time

	// RTT is a connection-quality diagnostic from ping/pong round trips.
	// Nothing correctness-related may depend on it.
	RTT time.Duration

	// LastSentTick is the newest tick ever sent to this peer, so the
	// sender can guarantee it never re-emits an older one.
	LastSentTick uint64

	lastSeq  map[protocol.Kind]uint32
	pingSent time.Time
	pingNano int64
}

// StartPing records an outgoing probe. Returns the timestamp to embed in
// the ping payload; the matching pong must echo it back.
func (p *Peer) StartPing(now time.Time) int64 {
	p.pingSent = now
	p.pingNano = now.UnixNano()
	return p.pingNano
}

// ObservePong updates the latency estimate if the echo matches the
// outstanding probe. Stray or duplicate pongs are ignored.
func (p *Peer) ObservePong(echoNano int64, now time.Time) bool {
	if p.pingNano == 0 || echoNano != p.pingNano {
		return false
	}
	p.RTT = now.Sub(p.pingSent)
	p.pingNano = 0
	return true
}

// Latency is the one-way estimate, i.e. half the measured round trip.
func (p *Peer) Latency() time.Duration {
	return p.RTT / 2
}
