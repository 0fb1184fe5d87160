package client

import (
	"errors"
	"net"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"stepsync/network"
	"stepsync/protocol"
)

// ErrNameNotFound: the connector has no live registration for the name.
var ErrNameNotFound = eris.New("name not registered at connector")

// Resolve asks a connector for the current address of a registered server
// name. Connection-setup only, so unlike the tick loop it is allowed to
// wait: LOOKUPs are re-sent on an interval until the deadline.
func Resolve(tr *network.Transport, connector *net.UDPAddr, name string, timeout time.Duration, log zerolog.Logger) (*net.UDPAddr, error) {
	logger := log.With().Str("component", "resolve").Logger()
	deadline := time.Now().Add(timeout)
	var buf [protocol.MaxDatagramSize]byte
	var seq uint32
	var resend time.Time

	for time.Now().Before(deadline) {
		if now := time.Now(); now.After(resend) {
			resend = now.Add(500 * time.Millisecond)
			seq++
			b, err := protocol.Encode(protocol.Message{
				Kind:    protocol.KindLookup,
				Seq:     seq,
				Payload: protocol.Lookup{Name: name},
			})
			if err != nil {
				return nil, err
			}
			if err := tr.Send(connector, b); err != nil {
				logger.Warn().Err(err).Msg("lookup send failed")
			}
		}

		addr, b, err := tr.Receive(buf[:])
		if err != nil {
			if !errors.Is(err, network.ErrWouldBlock) {
				logger.Warn().Err(err).Msg("receive failed")
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if addr.String() != connector.String() {
			continue
		}
		msg, err := protocol.Decode(b)
		if err != nil {
			logger.Debug().Err(err).Msg("dropped datagram")
			continue
		}
		reply, ok := msg.Payload.(protocol.LookupReply)
		if !ok || reply.Name != name {
			continue
		}
		if !reply.Found {
			return nil, eris.Wrapf(ErrNameNotFound, "%q", name)
		}
		resolved := &net.UDPAddr{IP: net.ParseIP(reply.Host), Port: reply.Port}
		if resolved.IP == nil {
			return nil, eris.Errorf("connector returned unparseable host %q", reply.Host)
		}
		logger.Info().Str("name", name).Stringer("addr", resolved).Msg("name resolved")
		return resolved, nil
	}
	return nil, eris.Errorf("no reply from connector %s within %s", connector, timeout)
}
