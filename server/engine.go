package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"stepsync/game"
	"stepsync/network"
	"stepsync/peer"
	"stepsync/protocol"
)

// Loop states.
const (
	stateStopped int32 = iota
	stateRunning
)

type Config struct {
	TickRate         int           // simulation ticks per second
	PeerTimeout      time.Duration // idle time before a peer is evicted
	PingInterval     time.Duration // how often to probe peer latency
	RegisterInterval time.Duration // how often to refresh the connector registration
	RegisterName     string        // public name at the connector; empty disables registration
	ConnectorAddr    *net.UDPAddr  // nil disables registration
	JoinPerSecond    rate.Limit    // cap on JOIN handling per second
	JoinBurst        int
}

func DefaultConfig() Config {
	return Config{
		TickRate:         30,
		PeerTimeout:      10 * time.Second,
		PingInterval:     2 * time.Second,
		RegisterInterval: 5 * time.Second,
		JoinPerSecond:    8,
		JoinBurst:        16,
	}
}

// Engine runs the authoritative simulation. One goroutine owns everything
// in here: the world, the peer table, the per-peer input buffers. A tick
// is one full pass of drain → apply → step → broadcast → sweep, and ticks
// are strictly sequential; falling behind the clock slows the effective
// rate but never skips or reorders a tick.
//
// Missed-input policy: a peer's last accepted input stays in effect until
// it sends a new one. A tick with no fresh INPUT repeats the previous
// input, which keeps movement smooth under loss and keeps the step
// deterministic for a given accepted-input history.
type Engine struct {
	cfg   Config
	tr    *network.Transport
	peers *peer.Table
	world *game.State
	log   zerolog.Logger

	pending   map[string]game.Input // peer ID -> last known input, persists across ticks
	joinCount int                   // ordinal for spawn placement
	seq       uint32                // outgoing per-sender sequence
	joinLimit *rate.Limiter

	state  atomic.Int32
	paused atomic.Bool

	lastPing     time.Time
	lastRegister time.Time

	tickPeriod time.Duration
	overruns   int
	ticksRun   int

	buf [protocol.MaxDatagramSize]byte
}

// New validates cfg up front: a bad tick rate or timeout is a startup
// error surfaced before any loop runs, never a panic mid-tick.
func New(tr *network.Transport, cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.TickRate <= 0 {
		return nil, eris.Errorf("invalid tick rate %d, must be positive", cfg.TickRate)
	}
	if cfg.PeerTimeout <= 0 {
		return nil, eris.Errorf("invalid peer timeout %s, must be positive", cfg.PeerTimeout)
	}
	return &Engine{
		cfg:        cfg,
		tr:         tr,
		peers:      peer.NewTable(cfg.PeerTimeout, log),
		world:      game.NewState(),
		log:        log.With().Str("component", "server").Logger(),
		pending:    make(map[string]game.Input),
		joinLimit:  rate.NewLimiter(cfg.JoinPerSecond, cfg.JoinBurst),
		tickPeriod: time.Second / time.Duration(cfg.TickRate),
	}, nil
}

// World exposes the authoritative state. Read-only for anyone who is not
// the engine's own goroutine.
func (e *Engine) World() *game.State { return e.world }

func (e *Engine) Peers() *peer.Table { return e.peers }

// Pause keeps ticks counting but freezes world mutation. Broadcasts keep
// flowing so clients stay connected.
func (e *Engine) Pause()  { e.paused.Store(true) }
func (e *Engine) Resume() { e.paused.Store(false) }

// Run drives ticks at the configured fixed rate until ctx is canceled.
// Cancellation finishes the tick in flight, then releases the socket.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(stateStopped, stateRunning) {
		return eris.New("engine already running")
	}
	defer e.state.Store(stateStopped)

	e.log.Info().Int("tick_rate", e.cfg.TickRate).Msg("engine running")
	ticker := time.NewTicker(e.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Uint64("tick", e.world.Tick).Msg("engine stopping")
			return e.tr.Close()
		case <-ticker.C:
			e.Tick(time.Now())
		}
	}
}

// Tick runs exactly one simulation cycle. Exported so tests (and tools)
// can advance the engine by hand without a real clock.
func (e *Engine) Tick(now time.Time) {
	e.drainInbound(now)

	if e.paused.Load() {
		e.world.Tick++ // bookkeeping advances, world does not
	} else {
		game.Step(e.world, e.pending)
	}

	e.broadcast()
	e.maybePing(now)
	e.maybeRegister(now)
	e.sweep(now)
	e.trackLoad(now)
}

// drainInbound consumes every datagram already queued on the socket, so
// the world advance sees one consistent snapshot of inputs.
func (e *Engine) drainInbound(now time.Time) {
	for {
		addr, b, err := e.tr.Receive(e.buf[:])
		if err != nil {
			if !errors.Is(err, network.ErrWouldBlock) {
				e.log.Warn().Err(err).Msg("receive failed")
			}
			return
		}

		msg, err := protocol.Decode(b)
		if err != nil {
			e.log.Debug().Err(err).Stringer("from", addr).Msg("dropped datagram")
			continue
		}

		if msg.Kind == protocol.KindJoin && !e.joinLimit.Allow() {
			e.log.Warn().Stringer("from", addr).Msg("join rate limit hit")
			continue
		}

		p, err := e.peers.Identify(addr, msg, now)
		if err != nil {
			e.log.Debug().Err(err).Msg("dropped datagram")
			continue
		}
		if !e.peers.Accept(p, msg) {
			continue
		}
		e.peers.Touch(p, now)
		e.dispatch(p, msg, now)
	}
}

func (e *Engine) dispatch(p *peer.Peer, msg protocol.Message, now time.Time) {
	switch pl := msg.Payload.(type) {
	case protocol.Join:
		e.handleJoin(p)
	case protocol.Input:
		// Last writer wins: at most one pending input per peer per
		// tick, a second INPUT overwrites the first.
		e.pending[p.ID] = pl.Move
	case protocol.Ping:
		e.send(p, protocol.KindPong, protocol.Pong{EchoUnixNano: pl.SentUnixNano})
	case protocol.Pong:
		p.ObservePong(pl.EchoUnixNano, now)
	case protocol.Bye:
		e.log.Info().Str("peer", p.ID).Msg("peer said bye")
		e.removePeer(p)
	default:
		e.log.Debug().Stringer("kind", msg.Kind).Str("peer", p.ID).Msg("kind not for this engine")
	}
}

func (e *Engine) handleJoin(p *peer.Peer) {
	if _, ok := e.world.Entities[p.ID]; !ok {
		e.joinCount++
		game.Spawn(e.world, p.ID, p.Name, e.joinCount)
		// Admission check: if one more entity pushes the snapshot past a
		// single datagram, every future broadcast would fail for every
		// peer. Refuse the join instead of going dark.
		if !e.snapshotFits() {
			delete(e.world.Entities, p.ID)
			e.peers.Remove(p)
			e.log.Warn().Str("peer", p.ID).Int("entities", len(e.world.Entities)).
				Msg("join refused, snapshot at datagram capacity")
			return
		}
		e.pending[p.ID] = game.Input{}
		e.log.Info().Str("peer", p.ID).Str("name", p.Name).Msg("player joined")
	}
	// Re-send WELCOME even for a repeated JOIN: the first reply may have
	// been lost and the client retries until it hears back.
	e.send(p, protocol.KindWelcome, protocol.Welcome{PlayerID: p.ID, TickRate: e.cfg.TickRate})
}

// snapshotFits reports whether the current world still encodes into one
// datagram, which broadcast depends on every tick.
func (e *Engine) snapshotFits() bool {
	_, err := protocol.Encode(protocol.Message{
		Kind:    protocol.KindState,
		Seq:     1,
		Tick:    e.world.Tick,
		Payload: protocol.State{Tick: e.world.Tick, Entities: e.world.Snapshot()},
	})
	return err == nil
}

func (e *Engine) removePeer(p *peer.Peer) {
	delete(e.world.Entities, p.ID)
	delete(e.pending, p.ID)
	e.peers.Remove(p)
}

// broadcast sends the tick's full snapshot to every live peer. One bad
// peer never blocks the rest.
func (e *Engine) broadcast() {
	if e.peers.Len() == 0 {
		return
	}
	st := protocol.State{Tick: e.world.Tick, Entities: e.world.Snapshot()}
	e.seq++
	b, err := protocol.Encode(protocol.Message{
		Kind:    protocol.KindState,
		Seq:     e.seq,
		Tick:    e.world.Tick,
		Payload: st,
	})
	if err != nil {
		e.log.Error().Err(err).Msg("snapshot encode failed")
		return
	}
	e.peers.All(func(p *peer.Peer) {
		// A peer never hears a tick at or below one it already got.
		if e.world.Tick <= p.LastSentTick {
			return
		}
		if err := e.tr.Send(p.Addr, b); err != nil {
			e.log.Warn().Err(err).Str("peer", p.ID).Msg("snapshot send failed")
			return
		}
		p.LastSentTick = e.world.Tick
	})
}

func (e *Engine) maybePing(now time.Time) {
	if now.Sub(e.lastPing) < e.cfg.PingInterval {
		return
	}
	e.lastPing = now
	e.peers.All(func(p *peer.Peer) {
		e.send(p, protocol.KindPing, protocol.Ping{SentUnixNano: p.StartPing(now)})
	})
}

// maybeRegister refreshes the connector mapping so the registration does
// not expire. Sending from the game socket keeps the NAT hole and the
// registered address consistent.
func (e *Engine) maybeRegister(now time.Time) {
	if e.cfg.ConnectorAddr == nil || e.cfg.RegisterName == "" {
		return
	}
	if now.Sub(e.lastRegister) < e.cfg.RegisterInterval {
		return
	}
	e.lastRegister = now
	e.seq++
	b, err := protocol.Encode(protocol.Message{
		Kind:    protocol.KindRegister,
		Seq:     e.seq,
		Tick:    e.world.Tick,
		Payload: protocol.Register{Name: e.cfg.RegisterName},
	})
	if err != nil {
		e.log.Error().Err(err).Msg("register encode failed")
		return
	}
	if err := e.tr.Send(e.cfg.ConnectorAddr, b); err != nil {
		e.log.Warn().Err(err).Msg("register send failed")
	}
}

func (e *Engine) sweep(now time.Time) {
	for _, p := range e.peers.Sweep(now) {
		delete(e.world.Entities, p.ID)
		delete(e.pending, p.ID)
	}
}

// trackLoad reports how often ticks overrun their period. Overruns lower
// the effective rate but ticks are never skipped.
func (e *Engine) trackLoad(start time.Time) {
	if time.Since(start) > e.tickPeriod {
		e.overruns++
	}
	e.ticksRun++
	if e.ticksRun%(e.cfg.TickRate*10) == 0 {
		busy := float64(e.overruns) / float64(e.ticksRun)
		if e.overruns > 0 {
			e.log.Warn().Float64("busy_ratio", busy).Uint64("tick", e.world.Tick).Msg("ticks overrunning period")
		} else {
			e.log.Debug().Uint64("tick", e.world.Tick).Int("peers", e.peers.Len()).Msg("engine healthy")
		}
		e.overruns = 0
		e.ticksRun = 0
	}
}

func (e *Engine) send(p *peer.Peer, kind protocol.Kind, payload any) {
	e.seq++
	b, err := protocol.Encode(protocol.Message{
		Kind:    kind,
		Seq:     e.seq,
		Tick:    e.world.Tick,
		Payload: payload,
	})
	if err != nil {
		e.log.Error().Err(err).Stringer("kind", kind).Msg("encode failed")
		return
	}
	if err := e.tr.Send(p.Addr, b); err != nil {
		e.log.Warn().Err(err).Str("peer", p.ID).Stringer("kind", kind).Msg("send failed")
	}
}
