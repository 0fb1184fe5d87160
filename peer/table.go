package peer

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"stepsync/protocol"
)

// ErrUnknownPeer: a message arrived from an address we have no peer for,
// and its kind is not one that may create a peer. Dropped, not fatal.
var ErrUnknownPeer = eris.New("message from unknown peer")

// Table is the registry of known remote endpoints, keyed by address. It is
// owned by the single loop goroutine of whoever holds it; no locking.
type Table struct {
	timeout time.Duration
	byAddr  map[string]*Peer
	log     zerolog.Logger
}

func NewTable(timeout time.Duration, log zerolog.Logger) *Table {
	return &Table{
		timeout: timeout,
		byAddr:  make(map[string]*Peer),
		log:     log.With().Str("component", "peers").Logger(),
	}
}

// Identify resolves the sender of a message. JOIN and REGISTER create a
// peer on first contact (JOIN gets a server-assigned identity); every
// other kind requires an existing peer.
func (t *Table) Identify(addr *net.UDPAddr, msg protocol.Message, now time.Time) (*Peer, error) {
	key := addr.String()
	if p, ok := t.byAddr[key]; ok {
		return p, nil
	}

	var name string
	switch pl := msg.Payload.(type) {
	case protocol.Join:
		name = pl.Name
	case protocol.Register:
		name = pl.Name
	default:
		return nil, eris.Wrapf(ErrUnknownPeer, "%s from %s", msg.Kind, key)
	}

	p := &Peer{
		ID:       uuid.NewString(),
		Name:     name,
		Addr:     addr,
		LastSeen: now,
		lastSeq:  make(map[protocol.Kind]uint32),
	}
	t.byAddr[key] = p
	t.log.Info().Str("peer", p.ID).Str("name", name).Str("addr", key).Msg("peer created")
	return p, nil
}

// Add seeds a peer for an endpoint we chose to talk to (a client adding
// its server), as opposed to one that introduced itself with JOIN.
func (t *Table) Add(addr *net.UDPAddr, name string, now time.Time) *Peer {
	key := addr.String()
	if p, ok := t.byAddr[key]; ok {
		return p
	}
	p := &Peer{
		ID:       uuid.NewString(),
		Name:     name,
		Addr:     addr,
		LastSeen: now,
		lastSeq:  make(map[protocol.Kind]uint32),
	}
	t.byAddr[key] = p
	return p
}

// Accept applies per-(peer, kind) sequence freshness. A message whose seq
// is not strictly greater than the highest accepted for that kind is a
// duplicate or a reordered straggler; it reports false and changes
// nothing, so redelivery is idempotent.
func (t *Table) Accept(p *Peer, msg protocol.Message) bool {
	if msg.Seq <= p.lastSeq[msg.Kind] {
		t.log.Debug().Str("peer", p.ID).Stringer("kind", msg.Kind).
			Uint32("seq", msg.Seq).Uint32("have", p.lastSeq[msg.Kind]).
			Msg("stale message dropped")
		return false
	}
	p.lastSeq[msg.Kind] = msg.Seq
	return true
}

// Touch refreshes the activity clock that Sweep judges by.
func (t *Table) Touch(p *Peer, now time.Time) {
	p.LastSeen = now
}

// Remove drops a peer explicitly (BYE).
func (t *Table) Remove(p *Peer) {
	delete(t.byAddr, p.Addr.String())
	t.log.Info().Str("peer", p.ID).Msg("peer removed")
}

// Sweep evicts peers idle past the timeout and returns them so the caller
// can clean up whatever it keyed on them (entities, registrations).
// Eviction is a normal lifecycle event, not an error.
func (t *Table) Sweep(now time.Time) []*Peer {
	var evicted []*Peer
	for key, p := range t.byAddr {
		if now.Sub(p.LastSeen) > t.timeout {
			delete(t.byAddr, key)
			evicted = append(evicted, p)
			t.log.Info().Str("peer", p.ID).Dur("idle", now.Sub(p.LastSeen)).Msg("peer timed out")
		}
	}
	return evicted
}

func (t *Table) Len() int {
	return len(t.byAddr)
}

// All calls fn for each live peer.
func (t *Table) All(fn func(*Peer)) {
	for _, p := range t.byAddr {
		fn(p)
	}
}
