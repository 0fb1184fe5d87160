package connector

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"stepsync/network"
	"stepsync/peer"
	"stepsync/protocol"
)

type Config struct {
	Expiry       time.Duration // registration lifetime without a refresh
	PollInterval time.Duration // how often the loop polls the socket
}

func DefaultConfig() Config {
	return Config{
		Expiry:       15 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

type registration struct {
	addr   *net.UDPAddr
	seenAt time.Time
}

// Broker is the rendezvous service: servers REGISTER a public name, clients
// LOOKUP that name to find the server's current address. The recorded
// address is the datagram's source address, meaning what the server looks
// like from outside its NAT rather than whatever it claims to be. The
// broker relays no game traffic.
//
// Registrants go through a peer table so replayed REGISTER datagrams
// cannot refresh an expiring entry.
type Broker struct {
	cfg     Config
	tr      *network.Transport
	peers   *peer.Table
	entries map[string]registration
	names   map[string]string // peer ID -> registered name, for eviction
	seq     uint32
	log     zerolog.Logger

	buf [protocol.MaxDatagramSize]byte
}

func New(tr *network.Transport, cfg Config, log zerolog.Logger) *Broker {
	return &Broker{
		cfg:     cfg,
		tr:      tr,
		peers:   peer.NewTable(cfg.Expiry, log),
		entries: make(map[string]registration),
		names:   make(map[string]string),
		log:     log.With().Str("component", "connector").Logger(),
	}
}

// Run polls until ctx is canceled.
func (b *Broker) Run(ctx context.Context) error {
	b.log.Info().Dur("expiry", b.cfg.Expiry).Msg("connector running")
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("connector stopping")
			return b.tr.Close()
		case <-ticker.C:
			b.Tick(time.Now())
		}
	}
}

// Tick drains the socket and prunes expired registrations.
func (b *Broker) Tick(now time.Time) {
	for {
		addr, raw, err := b.tr.Receive(b.buf[:])
		if err != nil {
			if !errors.Is(err, network.ErrWouldBlock) {
				b.log.Warn().Err(err).Msg("receive failed")
			}
			break
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			b.log.Debug().Err(err).Stringer("from", addr).Msg("dropped datagram")
			continue
		}
		b.dispatch(addr, msg, now)
	}

	for _, p := range b.peers.Sweep(now) {
		name, ok := b.names[p.ID]
		if !ok {
			continue
		}
		delete(b.names, p.ID)
		// The name may have been re-registered from a new address since;
		// only drop the entry if this peer still owns it.
		if reg, live := b.entries[name]; live && reg.addr.String() == p.Addr.String() {
			delete(b.entries, name)
			b.log.Info().Str("name", name).Msg("registration expired")
		}
	}
}

func (b *Broker) dispatch(addr *net.UDPAddr, msg protocol.Message, now time.Time) {
	switch pl := msg.Payload.(type) {
	case protocol.Register:
		b.handleRegister(addr, msg, pl, now)
	case protocol.Lookup:
		// LOOKUP is stateless: clients never register, so there is no
		// peer record to require, and no point deduping since answering
		// a duplicate twice is harmless.
		b.reply(addr, b.resolve(pl.Name, now))
	case protocol.Ping:
		b.replyKind(addr, protocol.KindPong, protocol.Pong{EchoUnixNano: pl.SentUnixNano})
	default:
		b.log.Debug().Stringer("kind", msg.Kind).Stringer("from", addr).Msg("kind not for the connector")
	}
}

func (b *Broker) handleRegister(addr *net.UDPAddr, msg protocol.Message, pl protocol.Register, now time.Time) {
	if pl.Name == "" {
		b.log.Debug().Stringer("from", addr).Msg("register with empty name dropped")
		return
	}
	p, err := b.peers.Identify(addr, msg, now)
	if err != nil {
		b.log.Debug().Err(err).Msg("dropped datagram")
		return
	}
	if !b.peers.Accept(p, msg) {
		return
	}
	b.peers.Touch(p, now)

	if prev, ok := b.entries[pl.Name]; ok && prev.addr.String() != addr.String() {
		b.log.Info().Str("name", pl.Name).Stringer("old", prev.addr).Stringer("new", addr).Msg("registration moved")
	}
	b.entries[pl.Name] = registration{addr: addr, seenAt: now}
	b.names[p.ID] = pl.Name
}

// resolve checks expiry at read time too, so a lookup that races the sweep
// never hands out a stale address.
func (b *Broker) resolve(name string, now time.Time) protocol.LookupReply {
	reg, ok := b.entries[name]
	if !ok || now.Sub(reg.seenAt) > b.cfg.Expiry {
		if ok {
			delete(b.entries, name)
		}
		return protocol.LookupReply{Name: name, Found: false}
	}
	return protocol.LookupReply{
		Name:  name,
		Found: true,
		Host:  reg.addr.IP.String(),
		Port:  reg.addr.Port,
	}
}

func (b *Broker) reply(addr *net.UDPAddr, rep protocol.LookupReply) {
	b.replyKind(addr, protocol.KindLookupReply, rep)
}

func (b *Broker) replyKind(addr *net.UDPAddr, kind protocol.Kind, payload any) {
	b.seq++
	raw, err := protocol.Encode(protocol.Message{Kind: kind, Seq: b.seq, Payload: payload})
	if err != nil {
		b.log.Error().Err(err).Stringer("kind", kind).Msg("encode failed")
		return
	}
	if err := b.tr.Send(addr, raw); err != nil {
		b.log.Warn().Err(err).Stringer("to", addr).Msg("reply send failed")
	}
}
