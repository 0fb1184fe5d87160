package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// MaxPacketSize bounds a single datagram. Kept in sync with the codec's
// limit so anything the codec emits is always sendable.
const MaxPacketSize = 4096

var (
	// ErrBind means the socket could not be created at all. Fatal at
	// startup; nothing above this layer can recover from it.
	ErrBind = eris.New("cannot bind udp socket")

	// ErrPacketTooLarge rejects sends that would not fit one datagram.
	ErrPacketTooLarge = eris.New("payload exceeds max packet size")

	// ErrWouldBlock is the normal "nothing to read right now" result.
	// Receive never waits for data, so the fixed-rate loops above can
	// poll once per tick without stalling.
	ErrWouldBlock = eris.New("no datagram available")
)

// Transport is a thin non-blocking wrapper over one UDP socket. It knows
// addresses and bytes, nothing about peers, sessions, or message contents.
type Transport struct {
	conn *net.UDPConn
	log  zerolog.Logger
}

// Listen binds host:port. Port 0 asks the OS for an ephemeral port, which
// is what tests use.
func Listen(host string, port int, log zerolog.Logger) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, eris.Wrapf(ErrBind, "resolve %s:%d: %v", host, port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, eris.Wrapf(ErrBind, "%s:%d: %v", host, port, err)
	}
	t := &Transport{
		conn: conn,
		log:  log.With().Str("component", "network").Logger(),
	}
	t.log.Info().Stringer("addr", conn.LocalAddr()).Msg("udp socket bound")
	return t, nil
}

// Send is fire and forget. A failed send is the peer's problem, not ours;
// the caller decides whether to care.
func (t *Transport) Send(addr *net.UDPAddr, b []byte) error {
	if len(b) > MaxPacketSize {
		return eris.Wrapf(ErrPacketTooLarge, "%d bytes to %s", len(b), addr)
	}
	if _, err := t.conn.WriteToUDP(b, addr); err != nil {
		return eris.Wrapf(err, "send %d bytes to %s", len(b), addr)
	}
	return nil
}

// Receive reads one datagram into buf if one is already queued, returning
// ErrWouldBlock otherwise. The returned slice aliases buf.
//
// The deadline must sit slightly in the future: a deadline of exactly
// time.Now() is already expired by the time the poller checks it, which
// fails the read without ever looking at the socket, so queued datagrams
// would never be seen. One millisecond bounds the wait well below a tick
// period while still letting the read attempt happen.
func (t *Transport) Receive(buf []byte) (*net.UDPAddr, []byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, nil, eris.Wrap(err, "set read deadline")
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, ErrWouldBlock
		}
		return nil, nil, eris.Wrap(err, "read datagram")
	}
	return addr, buf[:n], nil
}

func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *Transport) Close() error {
	t.log.Info().Msg("udp socket closed")
	return t.conn.Close()
}
