package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"stepsync/game"
	"stepsync/network"
	"stepsync/peer"
	"stepsync/protocol"
)

const (
	stateStopped int32 = iota
	stateRunning
)

type Config struct {
	TickRate      int
	ServerTimeout time.Duration // idle time before the server counts as gone
	PingInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickRate:      30,
		ServerTimeout: 10 * time.Second,
		PingInterval:  2 * time.Second,
	}
}

// Client keeps a predicted mirror of the server's world and feeds player
// input back at the same tick cadence. Like the server engine it is one
// goroutine doing fixed-rate passes of drain → reconcile → predict → send;
// the mirror is only touched from that loop.
//
// Reconciliation: snapshots are full state, so applying one both adopts
// the server's truth and discards whatever we predicted. Snapshots whose
// tick is not newer than the last applied one are stale and dropped.
type Client struct {
	cfg    Config
	tr     *network.Transport
	peers  *peer.Table
	server *peer.Peer
	log    zerolog.Logger

	playerID  string
	mirror    *game.State
	lastTick  uint64 // newest authoritative tick applied
	localTick uint64 // our own logical clock
	input     game.Input
	seq       uint32

	// OnTick, when set before Run, is the render collaborator hook: it is
	// called from the loop goroutine at the end of every tick with the
	// current mirror, which it must treat as read-only.
	OnTick func(*game.State)

	state    atomic.Int32
	lost     bool
	lastPing time.Time

	buf [protocol.MaxDatagramSize]byte
}

// New validates cfg up front so a bad tick rate fails at startup instead
// of panicking once the loop starts.
func New(tr *network.Transport, serverAddr *net.UDPAddr, cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.TickRate <= 0 {
		return nil, eris.Errorf("invalid tick rate %d, must be positive", cfg.TickRate)
	}
	if cfg.ServerTimeout <= 0 {
		return nil, eris.Errorf("invalid server timeout %s, must be positive", cfg.ServerTimeout)
	}
	peers := peer.NewTable(cfg.ServerTimeout, log)
	return &Client{
		cfg:    cfg,
		tr:     tr,
		peers:  peers,
		server: peers.Add(serverAddr, "server", time.Now()),
		log:    log.With().Str("component", "client").Logger(),
		mirror: game.NewState(),
	}, nil
}

// Join performs the connection handshake: send JOIN, wait for the WELCOME
// carrying our server-assigned identity. JOINs are re-sent on an interval
// until the deadline since either direction can drop.
func (c *Client) Join(name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var resend time.Time
	for time.Now().Before(deadline) {
		if now := time.Now(); now.After(resend) {
			resend = now.Add(500 * time.Millisecond)
			c.sendToServer(protocol.KindJoin, protocol.Join{Name: name})
		}

		msg, ok, idle := c.poll()
		if idle {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		switch pl := msg.Payload.(type) {
		case protocol.Welcome:
			c.playerID = pl.PlayerID
			c.log.Info().Str("player", pl.PlayerID).Int("tick_rate", pl.TickRate).Msg("joined")
			return nil
		case protocol.State:
			c.applySnapshot(pl)
		}
	}
	return eris.Errorf("no welcome from %s within %s", c.server.Addr, timeout)
}

// PlayerID is the server-assigned identity, set by Join.
func (c *Client) PlayerID() string { return c.playerID }

// World is the predicted mirror, read-only for the render collaborator.
// Valid between Tick calls of the goroutine running the loop.
func (c *Client) World() *game.State { return c.mirror }

// ServerRTT is the measured round trip to the server, diagnostics only.
func (c *Client) ServerRTT() time.Duration { return c.server.RTT }

// Lost reports whether the server has gone silent past the timeout.
func (c *Client) Lost() bool { return c.lost }

// SetInput stores the input collaborator's latest action payload; it rides
// out with the next tick's INPUT and drives local prediction meanwhile.
// Safe to call from the collaborator's goroutine only if that is the loop
// goroutine; otherwise hand inputs over before calling Tick.
func (c *Client) SetInput(in game.Input) { c.input = in }

// Run drives ticks at the fixed rate until ctx is canceled, then says BYE
// and releases the socket.
func (c *Client) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateStopped, stateRunning) {
		return eris.New("client already running")
	}
	defer c.state.Store(stateStopped)

	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Close()
		case <-ticker.C:
			c.Tick(time.Now())
		}
	}
}

// Tick runs one client cycle: drain everything queued, reconcile against
// any fresh snapshot, predict forward with our own pending input, send
// this tick's INPUT. Exported for deterministic tests.
func (c *Client) Tick(now time.Time) {
	c.localTick++
	c.drainInbound(now)

	if c.playerID != "" {
		// Predict forward with our own pending input: on quiet ticks so
		// input feels immediate, and after an authoritative apply too,
		// since that snapshot predates the input still in flight. The
		// next snapshot overwrites the mirror wholesale either way.
		game.Step(c.mirror, map[string]game.Input{c.playerID: c.input})
		c.mirror.Tick = c.lastTick // prediction does not advance authority
	}

	if c.playerID != "" {
		c.sendToServer(protocol.KindInput, protocol.Input{Tick: c.localTick, Move: c.input})
	}
	c.maybePing(now)

	if evicted := c.peers.Sweep(now); len(evicted) > 0 {
		c.lost = true
		c.log.Warn().Msg("server timed out")
	}

	if c.OnTick != nil {
		c.OnTick(c.mirror)
	}
}

// drainInbound consumes everything queued on the socket before the tick's
// predict-and-send phase runs.
func (c *Client) drainInbound(now time.Time) {
	for {
		msg, ok, idle := c.poll()
		if idle {
			return
		}
		if !ok {
			continue
		}
		c.peers.Touch(c.server, now)
		switch pl := msg.Payload.(type) {
		case protocol.State:
			c.applySnapshot(pl)
		case protocol.Ping:
			c.sendToServer(protocol.KindPong, protocol.Pong{EchoUnixNano: pl.SentUnixNano})
		case protocol.Pong:
			c.server.ObservePong(pl.EchoUnixNano, now)
		case protocol.Welcome:
			// Straggler from a lossy handshake; identity is already set.
		default:
			c.log.Debug().Stringer("kind", msg.Kind).Msg("kind not for this client")
		}
	}
}

func (c *Client) applySnapshot(st protocol.State) {
	if st.Tick <= c.lastTick {
		c.log.Debug().Uint64("tick", st.Tick).Uint64("have", c.lastTick).Msg("stale snapshot dropped")
		return
	}
	c.mirror.ApplySnapshot(st.Tick, st.Entities)
	c.lastTick = st.Tick
}

// poll reads and decodes one datagram, enforcing that only the server may
// talk to us and that stale/duplicate messages are dropped. idle means the
// socket had nothing queued; a dropped datagram reports ok=false with
// idle=false so drain passes keep going.
func (c *Client) poll() (msg protocol.Message, ok, idle bool) {
	addr, b, err := c.tr.Receive(c.buf[:])
	if err != nil {
		if !errors.Is(err, network.ErrWouldBlock) {
			c.log.Warn().Err(err).Msg("receive failed")
		}
		return protocol.Message{}, false, true
	}
	if addr.String() != c.server.Addr.String() {
		c.log.Debug().Stringer("from", addr).Msg("datagram from non-server dropped")
		return protocol.Message{}, false, false
	}
	msg, err = protocol.Decode(b)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropped datagram")
		return protocol.Message{}, false, false
	}
	if !c.peers.Accept(c.server, msg) {
		return protocol.Message{}, false, false
	}
	return msg, true, false
}

func (c *Client) maybePing(now time.Time) {
	if now.Sub(c.lastPing) < c.cfg.PingInterval {
		return
	}
	c.lastPing = now
	c.sendToServer(protocol.KindPing, protocol.Ping{SentUnixNano: c.server.StartPing(now)})
}

// Close says BYE (best effort) and releases the socket.
func (c *Client) Close() error {
	c.sendToServer(protocol.KindBye, protocol.Bye{})
	return c.tr.Close()
}

func (c *Client) sendToServer(kind protocol.Kind, payload any) {
	c.seq++
	b, err := protocol.Encode(protocol.Message{
		Kind:    kind,
		Seq:     c.seq,
		Tick:    c.localTick,
		Payload: payload,
	})
	if err != nil {
		c.log.Error().Err(err).Stringer("kind", kind).Msg("encode failed")
		return
	}
	if err := c.tr.Send(c.server.Addr, b); err != nil {
		c.log.Warn().Err(err).Stringer("kind", kind).Msg("send failed")
	}
}
